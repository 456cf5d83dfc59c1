package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/olumi/cee/internal/boundary"
	"github.com/olumi/cee/internal/sharelink"
	"github.com/olumi/cee/types"
)

// ShareHandler serves share-link creation and redemption.
type ShareHandler struct {
	service *sharelink.Service
	logger  *zap.Logger
}

// NewShareHandler builds the handler.
func NewShareHandler(service *sharelink.Service, logger *zap.Logger) *ShareHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShareHandler{service: service, logger: logger}
}

type shareCreateRequest struct {
	Response json.RawMessage `json:"response"`
}

// HandleCreate serves POST /assist/share (API-key authenticated).
func (h *ShareHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)

	var req shareCreateRequest
	if derr := DecodeJSONBody(r, &req); derr != nil {
		boundary.WriteError(w, requestID, derr, h.logger)
		return
	}
	if len(req.Response) == 0 {
		boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "response snapshot is required", h.logger)
		return
	}

	token, err := h.service.Create(r.Context(), req.Response)
	if err != nil {
		boundary.WriteError(w, requestID,
			types.NewError(types.ErrInternal, "share creation failed").WithCause(err), h.logger)
		return
	}
	boundary.WriteJSON(w, http.StatusCreated, requestID, map[string]any{"token": token})
}

// HandleToken serves GET and DELETE /assist/share/{token}; the token in
// the path is the only credential.
func (h *ShareHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	requestID := RequestID(r)
	token := strings.TrimPrefix(r.URL.Path, "/assist/share/")
	if token == "" {
		boundary.WriteErrorMessage(w, requestID, types.ErrBadInput, "share token is required", h.logger)
		return
	}

	switch r.Method {
	case http.MethodGet:
		payload, err := h.service.Get(r.Context(), token)
		if err != nil {
			h.writeShareError(w, requestID, err)
			return
		}
		boundary.ApplyStandardHeaders(w, requestID)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(payload)
	case http.MethodDelete:
		if err := h.service.Delete(r.Context(), token); err != nil {
			h.writeShareError(w, requestID, err)
			return
		}
		boundary.WriteJSON(w, http.StatusOK, requestID, map[string]any{"deleted": true})
	default:
		boundary.WriteErrorMessage(w, requestID, types.ErrNotFound, "unsupported method", h.logger)
	}
}

func (h *ShareHandler) writeShareError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, sharelink.ErrInvalidToken):
		boundary.WriteErrorMessage(w, requestID, types.ErrForbidden, "share token rejected", h.logger)
	case errors.Is(err, sharelink.ErrNotFound):
		boundary.WriteErrorMessage(w, requestID, types.ErrNotFound, "share not found", h.logger)
	default:
		boundary.WriteError(w, requestID,
			types.NewError(types.ErrInternal, "share lookup failed").WithCause(err), h.logger)
	}
}
