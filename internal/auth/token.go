// SPDX-License-Identifier: MIT

// Package auth implements bearer-token authentication for the control API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// ExtractToken retrieves the shared bearer token from the request.
// Only the Authorization header is accepted; tokens in query strings leak
// through proxies and browser history.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// AuthorizeToken reports whether got matches expected using a constant-time
// comparison to prevent timing attacks.
func AuthorizeToken(got, expected string) bool {
	if got == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
