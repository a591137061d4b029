// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-resty/resty/v2"
)

// imageUserAgent is sent with image downloads; the platform CDN rejects
// requests without a browser-like agent.
const imageUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Fetcher downloads a URL and returns its body base64-encoded.
type Fetcher interface {
	FetchBase64(ctx context.Context, url string) (string, error)
}

// HTTPFetcher is the resty-backed Fetcher.
type HTTPFetcher struct {
	client *resty.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", imageUserAgent)
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) FetchBase64(ctx context.Context, url string) (string, error) {
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}
	if resp.IsError() {
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode()}
	}
	body := resp.Body()
	if len(body) == 0 {
		return "", &FetchError{URL: url, StatusCode: resp.StatusCode()}
	}
	return base64.StdEncoding.EncodeToString(body), nil
}
