package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsewatch/pulsewatch/internal/api/middleware"
	"github.com/pulsewatch/pulsewatch/internal/api/models"
	"github.com/pulsewatch/pulsewatch/internal/api/response"
)

// withRequestID runs req through the RequestID middleware and returns the
// request as a handler would see it.
func withRequestID(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	var processed *http.Request
	middleware.RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		processed = r
	})).ServeHTTP(httptest.NewRecorder(), req)
	require.NotNil(t, processed)
	return processed
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p models.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestJSON_IncludesRequestID(t *testing.T) {
	req := withRequestID(t, httptest.NewRequest(http.MethodGet, "/v1/services", http.NoBody))
	rec := httptest.NewRecorder()

	response.JSON(rec, req, http.StatusOK, map[string]string{"message": "hello"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, middleware.GetRequestID(req.Context()), rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"hello"}`, rec.Body.String())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	response.JSON(rec, httptest.NewRequest(http.MethodGet, "/test", http.NoBody), http.StatusOK, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Body.String())
}

func TestNoContent(t *testing.T) {
	req := withRequestID(t, httptest.NewRequest(http.MethodDelete, "/v1/services/a/state", http.NoBody))
	rec := httptest.NewRecorder()

	response.NoContent(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Empty(t, rec.Body.String())
}

func TestProblemHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, *http.Request)
		status int
		typ    string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) { response.BadRequest(w, r, "bad", nil) }, http.StatusBadRequest, models.ProblemTypeValidation},
		{"not found", func(w http.ResponseWriter, r *http.Request) { response.NotFound(w, r, "missing") }, http.StatusNotFound, models.ProblemTypeNotFound},
		{"conflict", func(w http.ResponseWriter, r *http.Request) { response.Conflict(w, r, "inactive") }, http.StatusConflict, models.ProblemTypeConflict},
		{"internal", func(w http.ResponseWriter, r *http.Request) { response.InternalError(w, r, "boom") }, http.StatusInternalServerError, models.ProblemTypeInternal},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) { response.ServiceUnavailable(w, r, "db down") }, http.StatusServiceUnavailable, models.ProblemTypeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withRequestID(t, httptest.NewRequest(http.MethodGet, "/v1/services/svc-1/status", http.NoBody))
			rec := httptest.NewRecorder()

			tt.write(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			p := decodeProblem(t, rec)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, "/v1/services/svc-1/status", p.Instance)
			assert.Equal(t, middleware.GetRequestID(req.Context()), p.TraceID)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Key   string `json:"key"`
		Value bool   `json:"value"`
	}

	tests := []struct {
		name   string
		body   string
		ok     bool
		detail string
	}{
		{"valid", `{"key":"disable_notifications","value":true}`, true, ""},
		{"empty", ``, false, "request body is empty"},
		{"malformed", `{"key":`, false, "invalid JSON body"},
		{"unknown field", `{"key":"a","extra":1}`, false, "unknown field"},
		{"wrong type", `{"key":"a","value":"yes"}`, false, `invalid value for field "value"`},
		{"trailing data", `{"key":"a"}{"key":"b"}`, false, "single JSON object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/v1/admin/feature-flags", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			var dst payload
			ok := response.DecodeJSON(rec, req, &dst)

			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, "disable_notifications", dst.Key)
				assert.True(t, dst.Value)
				return
			}
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeProblem(t, rec).Detail, tt.detail)
		})
	}
}

func TestDecodeJSON_TooLarge(t *testing.T) {
	body := `{"key":"` + strings.Repeat("a", response.MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/feature-flags", strings.NewReader(body))
	rec := httptest.NewRecorder()

	var dst map[string]string
	assert.False(t, response.DecodeJSON(rec, req, &dst))
	assert.Contains(t, decodeProblem(t, rec).Detail, "exceeds")
}
