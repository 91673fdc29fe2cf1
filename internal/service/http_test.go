package service

import (
	"encoding/json"
	"gstinvoice-backend/internal/invoice"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, handler http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHttpRetrieve(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"a@x.com": {fail(invoice.INVALID_DATA)},
			"b@x.com": {succeed("INV100")},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))
	handler := h.svc.Handler("secret")

	rec := serve(t, handler, "POST", "/v1/invoices/x", "secret",
		`{"pnr": "abc123", "identities": ["a@x.com", "b@x.com"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var result Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.Equal(t, FILE_SAVED, result.Message)
	require.Equal(t, []string{"INV100-rendered"}, result.Data.Artifacts)

	rec = serve(t, handler, "GET", "/v1/runs/"+result.Data.RunId, "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var record RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, "success", record.State)
	require.Len(t, record.Attempts, 1)

	rec = serve(t, handler, "GET", "/v1/runs?pnr=ABC123", "secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	require.Equal(t, result.Data.RunId, record.Id)
}

func TestHttpFailureEnvelope(t *testing.T) {
	vendor := &fakeVendor{
		name:        "x",
		maxAttempts: 1,
		script: map[invoice.Identity][]outcome{
			"": {fail(invoice.IP_BLOCKED)},
		},
	}
	h := newHarness(t, nil, WithVendor(vendor))
	handler := h.svc.Handler("")

	rec := serve(t, handler, "POST", "/v1/invoices/x", "", `{"pnr": "ABC123"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	require.Equal(t, false, raw["success"])
	require.Equal(t, "IP_BLOCKED", raw["message"])
	data := raw["data"].(map[string]any)
	require.Equal(t, []any{}, data["artifacts"])
	require.Equal(t, "x", data["vendor"])
}

func TestHttpAuth(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.svc.Handler("secret")

	rec := serve(t, handler, "GET", "/v1/runs/anything", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, handler, "GET", "/v1/runs/anything", "wrong", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, handler, "GET", "/v1/runs/anything", "secret", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, handler, "GET", "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHttpBadRequests(t *testing.T) {
	h := newHarness(t, nil)
	handler := h.svc.Handler("")

	rec := serve(t, handler, "POST", "/v1/invoices/x", "", `{"pnr": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, handler, "GET", "/v1/runs", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
