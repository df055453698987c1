// Package testutil holds helpers shared by the debug page tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// LocalHostRemoteAddr is a loopback peer that tsweb.AllowDebugAccess
// admits.
const LocalHostRemoteAddr = "127.0.0.1:12345"

// LocalHostRequest creates a request that appears to come from localhost.
func LocalHostRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = LocalHostRemoteAddr
	return req
}

// LocalHostForm is LocalHostRequest with a url-encoded form body. An empty
// body sends no Content-Type.
func LocalHostForm(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.RemoteAddr = LocalHostRemoteAddr
	if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req
}

// GetJSON serves a localhost GET of target on h, requires a 200 JSON
// response and decodes it into v.
func GetJSON(t testing.TB, h http.Handler, target string, v any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, LocalHostRequest(http.MethodGet, target))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}
