package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestIDFor(t *testing.T, header string) (ours, chis, echoed string) {
	t.Helper()
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ours = GetRequestID(r.Context())
		chis = middleware.GetReqID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/shards", nil)
	if header != "" {
		req.Header.Set(RequestIDHeader, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ours, chis, rec.Header().Get(RequestIDHeader)
}

func TestRequestIDKeepsCallerID(t *testing.T) {
	ours, chis, echoed := requestIDFor(t, "deploy-42")
	assert.Equal(t, "deploy-42", ours)
	assert.Equal(t, "deploy-42", chis)
	assert.Equal(t, "deploy-42", echoed)
}

func TestRequestIDReplacesUnusableIDs(t *testing.T) {
	for name, header := range map[string]string{
		"missing":  "",
		"spaces":   "two words",
		"too long": strings.Repeat("a", maxRequestIDLen+1),
		"control":  "id\x01",
	} {
		t.Run(name, func(t *testing.T) {
			ours, _, echoed := requestIDFor(t, header)
			_, err := uuid.Parse(ours)
			require.NoError(t, err)
			assert.Equal(t, ours, echoed)
		})
	}
}

func TestGetRequestIDOutsideRequest(t *testing.T) {
	assert.Empty(t, GetRequestID(context.Background()))
}
