// Package admin exposes the operator route group: read-only status (key
// count, build and SSE gate error counts), plus a key-set reload trigger. It
// authenticates with its own static token, separate from the assist edge.
package admin

import (
	"crypto/subtle"
	"net/http"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/boundary"
	"github.com/olumi/cee/internal/ctxkeys"
	"github.com/olumi/cee/internal/edge"
	"github.com/olumi/cee/internal/stream"
	"github.com/olumi/cee/types"
)

// Handler serves /admin/*.
type Handler struct {
	token    string
	auth     *edge.Authenticator
	gates    *stream.GateEvaluator
	reloader func() ([]string, error)
	logger   *zap.Logger
}

// New builds the admin handler. reloader re-reads the key set from its
// source and returns the fresh keys; it may be nil to disable reload.
func New(token string, auth *edge.Authenticator, gates *stream.GateEvaluator, reloader func() ([]string, error), logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{token: token, auth: auth, gates: gates, reloader: reloader, logger: logger}
}

// Register wires the admin routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/status", h.withAuth(h.handleStatus))
	mux.HandleFunc("POST /admin/reload-keys", h.withAuth(h.handleReload))
}

func (h *Handler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := ctxkeys.RequestID(r.Context())
		if h.token == "" {
			boundary.WriteErrorMessage(w, requestID, types.ErrNotFound, "admin routes disabled", h.logger)
			return
		}
		supplied := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(h.token)) != 1 {
			boundary.WriteErrorMessage(w, requestID, types.ErrForbidden, "admin token rejected", h.logger)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	requestID := ctxkeys.RequestID(r.Context())
	status := map[string]any{
		"key_count": h.auth.KeyCount(),
		"build":     boundary.BuildInfo(),
	}
	if h.gates != nil {
		errs := h.gates.ErrorCounts()
		counts := make(map[string]int, len(errs))
		for k, v := range errs {
			counts[string(k)] = v
		}
		status["gate_error_counts"] = counts
	}
	boundary.WriteJSON(w, http.StatusOK, requestID, status)
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	requestID := ctxkeys.RequestID(r.Context())
	if h.reloader == nil {
		boundary.WriteErrorMessage(w, requestID, types.ErrNotFound, "reload not configured", h.logger)
		return
	}
	keys, err := h.reloader()
	if err != nil {
		boundary.WriteError(w, requestID,
			types.NewError(types.ErrInternal, "key reload failed").WithCause(err), h.logger)
		return
	}
	h.auth.SwapKeys(keys)
	h.logger.Info("api key set reloaded", zap.Int("key_count", len(keys)))
	boundary.WriteJSON(w, http.StatusOK, requestID, map[string]any{"key_count": len(keys)})
}
