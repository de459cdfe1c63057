// Package transport contains the HTTP router, middleware chain, and request
// handlers for the credentialing API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/accredit/internal/observability"
	"github.com/pitabwire/accredit/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:          http.StatusBadRequest,
	model.ErrUnauthorized:        http.StatusUnauthorized,
	model.ErrNotFound:            http.StatusNotFound,
	model.ErrConflict:            http.StatusConflict,
	model.ErrValidationError:     http.StatusUnprocessableEntity,
	model.ErrRateLimited:         http.StatusTooManyRequests,
	model.ErrInternalError:       http.StatusInternalServerError,
	model.ErrInvalidTransition:   http.StatusUnprocessableEntity,
	model.ErrInvalidState:        http.StatusConflict,
	model.ErrNotAuthorized:       http.StatusForbidden,
	model.ErrProviderUnavailable: http.StatusServiceUnavailable,
	model.ErrAlreadySuperseded:   http.StatusConflict,
}

type successResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type errorResponse struct {
	Success bool                 `json:"success"`
	Error   *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteData writes a success envelope.
func WriteData(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, successResponse{Success: true, Data: data})
}

// WriteError writes err as a failure envelope with the matching HTTP status.
// Errors that are not ErrorEnvelopes are logged and reported as
// INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		observability.RequestLogger(r.Context(), zap.L()).Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	if out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}

// StatusForError returns the HTTP status WriteError would use for err.
func StatusForError(err error) int {
	if s, ok := statusForCode[model.ErrorCode(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
