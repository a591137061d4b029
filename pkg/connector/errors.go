// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoSession is returned when an action is requested while no gateway is connected.
var ErrNoSession = errors.New("no gateway session")

// UnsupportedKindError reports a segment kind or message sub-kind the bridge
// does not translate.
type UnsupportedKindError struct {
	Kind string
}

func (e *UnsupportedKindError) Error() string {
	return fmt.Sprintf("unsupported kind %q", e.Kind)
}

// TimeoutError reports an action call whose reply did not arrive in time.
type TimeoutError struct {
	Action  string
	Echo    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %s (echo %s) timed out after %s", e.Action, e.Echo, e.Timeout)
}

// TransportClosedError reports an action call that was pending when the
// gateway connection went away.
type TransportClosedError struct {
	Cause error
}

func (e *TransportClosedError) Error() string {
	if e.Cause == nil {
		return "gateway connection closed"
	}
	return fmt.Sprintf("gateway connection closed: %v", e.Cause)
}

func (e *TransportClosedError) Unwrap() error {
	return e.Cause
}

// ActionFailedError reports a reply whose status is not ok.
type ActionFailedError struct {
	Action  string
	Status  string
	RetCode int
	Message string
}

func (e *ActionFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("action %s failed: %s (status %s, retcode %d)", e.Action, e.Message, e.Status, e.RetCode)
	}
	return fmt.Sprintf("action %s failed (status %s, retcode %d)", e.Action, e.Status, e.RetCode)
}

// FetchError reports a failed image download.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s: HTTP %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// isTransportClosed reports whether err means the session is gone and the
// enclosing operation should be abandoned.
func isTransportClosed(err error) bool {
	var closed *TransportClosedError
	return errors.As(err, &closed)
}
