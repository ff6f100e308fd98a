package utils

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorKind classifies the failures surfaced to management callers.
type ErrorKind int

const (
	KindUnauthorized ErrorKind = iota
	KindNotFound
	KindBadRequest
	KindForbidden
	KindServiceUnavailable
	KindInternal
)

// AppError pairs an error kind with a caller-facing message.
type AppError struct {
	Kind    ErrorKind
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

func Unauthorized() *AppError {
	return &AppError{Kind: KindUnauthorized, Message: "invalid API key"}
}

func NotFound(msg string) *AppError {
	return &AppError{Kind: KindNotFound, Message: msg}
}

func BadRequest(msg string) *AppError {
	return &AppError{Kind: KindBadRequest, Message: msg}
}

func Forbidden(msg string) *AppError {
	return &AppError{Kind: KindForbidden, Message: msg}
}

func ServiceUnavailable(msg string) *AppError {
	return &AppError{Kind: KindServiceUnavailable, Message: msg}
}

func Internal(msg string) *AppError {
	return &AppError{Kind: KindInternal, Message: msg}
}

// StatusCode maps an error kind to its HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindForbidden:
		return http.StatusForbidden
	case KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondAppError writes an AppError (or a wrapped one) as JSON. Unrecognized
// errors become 500s without leaking detail.
func RespondAppError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		appErr = Internal("internal server error")
	}
	RespondError(w, appErr.StatusCode(), appErr.Message)
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}
