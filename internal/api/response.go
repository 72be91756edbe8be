package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fleetcam/vms/internal/verr"
)

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo carries error details in a response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta carries pagination metadata.
type Meta struct {
	Total      int `json:"total,omitempty"`
	Page       int `json:"page,omitempty"`
	PerPage    int `json:"per_page,omitempty"`
	TotalPages int `json:"total_pages,omitempty"`
}

// JSON sends a JSON response.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// OK sends a 200 response.
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// Created sends a 201 response.
func Created(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusCreated, data)
}

// NoContent sends a 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List sends a paginated list response.
func List(w http.ResponseWriter, items interface{}, total, page, perPage int) {
	if perPage <= 0 {
		perPage = 50
	}
	if page <= 0 {
		page = 1
	}
	totalPages := total / perPage
	if total%perPage > 0 {
		totalPages++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(Response{
		Success: true,
		Data:    items,
		Meta: &Meta{
			Total:      total,
			Page:       page,
			PerPage:    perPage,
			TotalPages: totalPages,
		},
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind verr.Kind) int {
	switch kind {
	case verr.KindNotFound:
		return http.StatusNotFound
	case verr.KindConflict, verr.KindProtectedRecording:
		return http.StatusConflict
	case verr.KindValidation, verr.KindBadPath:
		return http.StatusBadRequest
	case verr.KindUnauthenticated:
		return http.StatusUnauthorized
	case verr.KindUnauthorized:
		return http.StatusForbidden
	case verr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case verr.KindPlaylistTimeout:
		return http.StatusGatewayTimeout
	case verr.KindFileMissing:
		return http.StatusGone
	case verr.KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	default:
		return http.StatusInternalServerError
	}
}

// WriteErr maps a classified error to its status and envelope. The
// client sees the classified message only; internal errors stay in the
// log.
func WriteErr(w http.ResponseWriter, err error) {
	kind := verr.KindOf(err)
	status := statusFor(kind)

	msg := "internal error"
	var ve *verr.Error
	if errors.As(err, &ve) {
		msg = ve.Msg
	}
	if status == http.StatusInternalServerError {
		slog.Default().Error("Request failed", "error", err)
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   &ErrorInfo{Code: string(kind), Message: msg},
	})
}

// Errf sends a classified error built on the spot.
func Errf(w http.ResponseWriter, kind verr.Kind, format string, args ...interface{}) {
	WriteErr(w, verr.New(kind, format, args...))
}
