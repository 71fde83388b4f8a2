package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// addr returns a deterministic test address.
func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

// do drives a handler func directly. pathKV holds alternating path
// parameter names and values, standing in for ServeMux pattern matching.
func do(t *testing.T, h http.HandlerFunc, method, target, body string, pathKV ...string) *httptest.ResponseRecorder {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(pathKV); i += 2 {
		req.SetPathValue(pathKV[i], pathKV[i+1])
	}

	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// decodeBody unmarshals a JSON response body into a generic map.
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
