package starlarklib

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func dictString(t *testing.T, v starlark.Value, key string) string {
	t.Helper()
	dict, ok := v.(*starlark.Dict)
	require.True(t, ok, "expected a dict, got %s", v.Type())
	val, found, err := dict.Get(starlark.String(key))
	require.NoError(t, err)
	require.True(t, found, "missing key %q", key)
	s, ok := val.(starlark.String)
	require.True(t, ok)
	return string(s)
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		code   int
		status string
	}{
		{200, "SUCCESS"},
		{204, "SUCCESS"},
		{401, "UNAUTHORIZED"},
		{403, "UNAUTHORIZED"},
		{404, "NOT_FOUND"},
		{410, "NOT_FOUND"},
		{408, "TRANSIENT_ERROR"},
		{429, "TRANSIENT_ERROR"},
		{503, "TRANSIENT_ERROR"},
		{400, "PERMANENT_ERROR"},
		{422, "PERMANENT_ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, classifyHTTPStatus(tt.code), "code %d", tt.code)
	}
}

func TestRoundTrip_ResponseCarriesResultStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	v, err := roundTrip(http.MethodGet, srv.URL, nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "UNAUTHORIZED", dictString(t, v, "status"))
	assert.Equal(t, "nope", dictString(t, v, "body"))

	dict := v.(*starlark.Dict)
	okVal, _, err := dict.Get(starlark.String("ok"))
	require.NoError(t, err)
	assert.Equal(t, starlark.False, okVal)
}

func TestRoundTrip_TransportErrorIsResultDict(t *testing.T) {
	// Nothing listens on this address; the failure must come back as a
	// result dict, not a starlark error.
	v, err := roundTrip(http.MethodGet, "http://127.0.0.1:1/unreachable", nil, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "TRANSIENT_ERROR", dictString(t, v, "status"))
	assert.Equal(t, "http_transport", dictString(t, v, "error_code"))
}

func TestRoundTrip_JSONBodySetsContentType(t *testing.T) {
	var gotContentType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
	}))
	defer srv.Close()

	data := starlark.NewDict(1)
	require.NoError(t, data.SetKey(starlark.String("email"), starlark.String("dana@example.com")))

	v, err := roundTrip(http.MethodPost, srv.URL, data, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "SUCCESS", dictString(t, v, "status"))
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"email":"dana@example.com"}`, gotBody)
}
