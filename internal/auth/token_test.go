// SPDX-License-Identifier: MIT

package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/replay/status", nil)
	r.Header.Set("Authorization", "Bearer secret-token")
	if got := ExtractToken(r); got != "secret-token" {
		t.Errorf("token = %q", got)
	}
}

func TestExtractTokenMissing(t *testing.T) {
	cases := map[string]string{
		"no header":    "",
		"wrong scheme": "Basic dXNlcjpwYXNz",
		"bare token":   "secret-token",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if header != "" {
				r.Header.Set("Authorization", header)
			}
			if got := ExtractToken(r); got != "" {
				t.Errorf("token = %q, want empty", got)
			}
		})
	}
}

func TestExtractTokenIgnoresQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/replay/status?token=leaky", nil)
	if got := ExtractToken(r); got != "" {
		t.Errorf("query token accepted: %q", got)
	}
}

func TestAuthorizeToken(t *testing.T) {
	if !AuthorizeToken("secret", "secret") {
		t.Error("matching tokens rejected")
	}
	if AuthorizeToken("secret", "other") {
		t.Error("mismatched tokens accepted")
	}
	if AuthorizeToken("", "secret") || AuthorizeToken("secret", "") || AuthorizeToken("", "") {
		t.Error("empty token accepted")
	}
}
