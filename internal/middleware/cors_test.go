package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCORS(t *testing.T) {
	t.Parallel()
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name       string
		allowed    []string
		origin     string
		method     string
		wantOrigin string
		wantCreds  string
		wantStatus int
	}{
		{"explicit origin", []string{"https://mira.app"}, "https://mira.app", http.MethodGet, "https://mira.app", "true", http.StatusOK},
		{"wildcard has no credentials", []string{"*"}, "https://x.dev", http.MethodGet, "https://x.dev", "", http.StatusOK},
		{"rejected origin", []string{"https://mira.app"}, "https://evil.dev", http.MethodGet, "", "", http.StatusOK},
		{"preflight", []string{"https://mira.app"}, "https://mira.app", http.MethodOptions, "https://mira.app", "true", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/session", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(ok).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}

func TestOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, Origins(""))
	assert.Equal(t, []string{"https://mira.app"}, Origins("https://mira.app"))
}
