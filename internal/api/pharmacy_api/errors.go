package pharmacy_api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BearBump/FarmaTurn/internal/models"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
)

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusOf maps an error kind to its HTTP status and error code.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrQuotaExceeded):
		return http.StatusConflict, "quota_exceeded"
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err.Error())
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
