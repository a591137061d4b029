// Copyright 2024-2026 Aiku AI

package connector

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// handshakeToken extracts the token a connecting gateway presented, from
// either the Authorization header or the access_token query parameter.
func handshakeToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && (strings.EqualFold(scheme, "Bearer") || strings.EqualFold(scheme, "Token")) {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

// checkHandshakeToken reports whether r may open a gateway session. An empty
// expected token allows every connection.
func checkHandshakeToken(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	got := handshakeToken(r)
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// requireToken rejects requests that do not carry the expected token with
// 401 before they reach next.
func requireToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !checkHandshakeToken(r, expected) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="napcat"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
