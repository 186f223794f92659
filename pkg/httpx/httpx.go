package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/xudaotutou/kv-server/pkg/fault"
)

const maxBodyBytes = 1 << 20 // 1MB

type ctxKey struct{}

func NewRequestID() string { return "req_" + uuid.NewString() }

// WithRequestID stores id on the context for RequestID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the id assigned by the request-id middleware, or a
// fresh one when the handler runs outside it.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return NewRequestID()
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes one JSON value from the body, refusing unknown fields,
// trailing data and bodies over 1MB.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.Wrap(fault.BadRequest, "decode body", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fault.New(fault.BadRequest, "decode body", "unexpected data after JSON value")
	}
	return nil
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	resp := map[string]any{
		"request_id": RequestID(r.Context()),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
	WriteJSON(w, status, resp)
}

// StatusFor maps a fault kind to its HTTP status.
func StatusFor(kind fault.Kind) int {
	switch kind {
	case fault.MissingParameter, fault.InvalidKey, fault.BadRequest:
		return http.StatusBadRequest
	case fault.NotAuthorized:
		return http.StatusForbidden
	case fault.NotFound:
		return http.StatusNotFound
	case fault.Conflict:
		return http.StatusConflict
	case fault.SignatureInvalid:
		return http.StatusUnprocessableEntity
	case fault.RateLimited:
		return http.StatusTooManyRequests
	case fault.UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault writes err as an error envelope. Denials and internal failures
// get a fixed message; the cause only goes to the log.
func WriteFault(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	kind := fault.KindOf(err)
	status := StatusFor(kind)
	message := err.Error()
	switch kind {
	case fault.NotAuthorized:
		message = "persona is not authorized for this identity"
	case fault.StorageError, fault.Internal:
		message = "internal error"
	case fault.UpstreamUnavailable:
		message = "proof service unavailable, retry later"
	}
	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	log.Log(r.Context(), level, "request failed",
		"request_id", RequestID(r.Context()),
		"code", kind.Code(),
		"status", status,
		"error", err,
	)
	details := map[string]any{"retryable": kind.Retryable()}
	WriteError(w, r, status, kind.Code(), message, details)
}
