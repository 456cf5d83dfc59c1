// Package handlers wires the HTTP surface to the pipeline, stream engine
// and share service.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/olumi/cee/internal/ctxkeys"
	"github.com/olumi/cee/types"
)

// maxBodyBytes bounds request bodies accepted by the JSON routes.
const maxBodyBytes = 1 << 20

// DecodeJSONBody decodes a JSON request strictly: content type must be
// JSON (when present), unknown fields are rejected, and trailing data is
// an error.
func DecodeJSONBody(r *http.Request, dst any) *types.Error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != "application/json" {
			return types.NewError(types.ErrBadInput, "content type must be application/json")
		}
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			return types.NewError(types.ErrBadInput, fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset))
		case errors.As(err, &typeErr):
			return types.NewError(types.ErrBadInput, fmt.Sprintf("invalid type for field %q", typeErr.Field))
		case errors.Is(err, io.EOF):
			return types.NewError(types.ErrBadInput, "request body is empty")
		default:
			return types.NewError(types.ErrBadInput, "request body is not valid JSON")
		}
	}
	if dec.More() {
		return types.NewError(types.ErrBadInput, "request body contains trailing data")
	}
	return nil
}

// RequestID pulls the request id assigned by the middleware chain.
func RequestID(r *http.Request) string {
	return ctxkeys.RequestID(r.Context())
}
