package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/olumi/cee/internal/edge"
	"github.com/olumi/cee/internal/quota"
)

func newTestHandler(token string, reloader func() ([]string, error)) *Handler {
	store := quota.NewStore(
		quota.Params{Capacity: 10, RefillPerSec: 1},
		quota.Params{Capacity: 2, RefillPerSec: 1},
		nil, zap.NewNop(), nil,
	)
	auth := edge.NewAuthenticator(edge.Config{
		APIKeys: []string{"key-1"},
		Quota:   store,
		Logger:  zap.NewNop(),
	})
	return New(token, auth, nil, reloader, zap.NewNop())
}

func do(h *Handler, method, path, token string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	r := httptest.NewRequest(method, path, nil)
	if token != "" {
		r.Header.Set("X-Admin-Token", token)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

func TestStatus_RequiresToken(t *testing.T) {
	h := newTestHandler("admin-token", nil)

	assert.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/admin/status", "").Code)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodGet, "/admin/status", "wrong").Code)

	w := do(h, http.MethodGet, "/admin/status", "admin-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "key_count")
}

func TestStatus_DisabledWithoutToken(t *testing.T) {
	h := newTestHandler("", nil)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/admin/status", "anything").Code)
}

func TestReload_SwapsKeys(t *testing.T) {
	h := newTestHandler("admin-token", func() ([]string, error) {
		return []string{"new-1", "new-2", "new-3"}, nil
	})

	w := do(h, http.MethodPost, "/admin/reload-keys", "admin-token")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, h.auth.KeyCount())
}

func TestReload_NotConfigured(t *testing.T) {
	h := newTestHandler("admin-token", nil)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPost, "/admin/reload-keys", "admin-token").Code)
}
