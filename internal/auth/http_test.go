// ABOUTME: Tests for the bearer-token HTTP middleware
// ABOUTME: Covers header and query tokens, rejections, and the subject in context

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireToken(t *testing.T) {
	verifier := newTestVerifier(t)
	valid, err := verifier.Generate("ops@example.com", time.Hour)
	require.NoError(t, err)
	expired, err := verifier.Generate("ops@example.com", -time.Hour)
	require.NoError(t, err)

	var gotSubject string
	handler := RequireToken(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name    string
		header  string
		query   string
		status  int
		message string
	}{
		{name: "bearer header", header: "Bearer " + valid, status: http.StatusOK},
		{name: "query parameter", query: "?access_token=" + valid, status: http.StatusOK},
		{name: "missing", status: http.StatusUnauthorized, message: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized, message: "invalid authorization header format"},
		{name: "bad token", header: "Bearer nope", status: http.StatusUnauthorized, message: "invalid token"},
		{name: "expired", header: "Bearer " + expired, status: http.StatusUnauthorized, message: "token expired"},
		{name: "header wins over query", header: "Bearer nope", query: "?access_token=" + valid, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest(http.MethodGet, "/api/agents"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "ops@example.com", gotSubject)
				return
			}

			assert.Empty(t, gotSubject)
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, "unauthorized", body["kind"])
			if tt.message != "" {
				assert.Equal(t, tt.message, body["error"])
			}
		})
	}
}

func TestSubjectFrom_Empty(t *testing.T) {
	assert.Empty(t, SubjectFrom(t.Context()))
}
