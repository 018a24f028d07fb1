package status

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/farmhand/internal/coordinator"
)

func TestTokenAuth(t *testing.T) {
	h := newTestServer(
		WithToken("s3cret"),
		WithCoordinator(fakeCoordinator{coordinator.Stats{}}),
	).Handler()

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"healthz is open", "/healthz", "", http.StatusOK},
		{"missing header", "/stats", "", http.StatusUnauthorized},
		{"wrong scheme", "/stats", "Basic s3cret", http.StatusUnauthorized},
		{"empty token", "/stats", "Bearer   ", http.StatusUnauthorized},
		{"wrong token", "/stats", "Bearer nope", http.StatusUnauthorized},
		{"valid token", "/stats", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestNoTokenLeavesAPIOpen(t *testing.T) {
	rec := get(t, newTestServer().Handler(), "/stats")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidToken(t *testing.T) {
	assert.True(t, validToken("abc", "abc"))
	assert.False(t, validToken("abd", "abc"))
	assert.False(t, validToken("ab", "abc"))
	assert.False(t, validToken("", ""))
}
