package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mapatur/reconcile/internal/fault"
)

// Response is the envelope of every JSON reply: data on success, error on
// failure.
type Response struct {
	Data  any    `json:"data"`
	Error *Error `json:"error"`
}

// Error describes a failed request.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Data: data})
}

func badRequest(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, Response{Error: &Error{Code: string(fault.KindValidation), Message: message, Field: field}})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k fault.Kind) int {
	switch k {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindMappingGap:
		return http.StatusUnprocessableEntity
	case fault.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with the status for err's kind. Store failures are
// logged and reported without their internals.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := statusFor(kind)

	e := &Error{Code: string(kind), Message: err.Error()}
	if kind == fault.KindNone {
		e.Code = "internal"
	}
	var ve *fault.ValidationError
	if errors.As(err, &ve) {
		e.Field = ve.Field
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		e.Message = "internal error"
	}
	writeJSON(w, status, Response{Error: e})
}
