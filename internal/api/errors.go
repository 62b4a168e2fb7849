package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/FairForge/labforge/internal/catalog"
	"github.com/FairForge/labforge/internal/lifecycle"
	"github.com/FairForge/labforge/internal/users"
)

// Error codes surfaced to the UI.
const (
	CodeQuotaExceeded      = "QuotaExceeded"
	CodeDuplicateName      = "DuplicateName"
	CodeNotFound           = "NotFound"
	CodeForbidden          = "Forbidden"
	CodeInvalidTransition  = "InvalidTransition"
	CodeAdapterUnavailable = "AdapterUnavailable"
	CodeImageInUse         = "ImageInUse"
	CodeInvalidRequest     = "InvalidRequest"
	CodeInternalError      = "InternalError"
)

var errorStatusCodes = map[string]int{
	CodeQuotaExceeded:      http.StatusConflict,
	CodeDuplicateName:      http.StatusConflict,
	CodeNotFound:           http.StatusNotFound,
	CodeForbidden:          http.StatusForbidden,
	CodeInvalidTransition:  http.StatusConflict,
	CodeAdapterUnavailable: http.StatusServiceUnavailable,
	CodeImageInUse:         http.StatusConflict,
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeInternalError:      http.StatusInternalServerError,
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps a domain error onto the wire envelope.
func writeError(w http.ResponseWriter, err error) {
	code := CodeInternalError
	switch {
	case errors.Is(err, lifecycle.ErrQuotaExceeded):
		code = CodeQuotaExceeded
	case errors.Is(err, lifecycle.ErrDuplicateName):
		code = CodeDuplicateName
	case errors.Is(err, lifecycle.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, users.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, lifecycle.ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		code = CodeInvalidTransition
	case errors.Is(err, lifecycle.ErrAdapterUnavailable):
		code = CodeAdapterUnavailable
	case errors.Is(err, catalog.ErrImageInUse):
		code = CodeImageInUse
	case errors.Is(err, users.ErrDuplicate):
		code = CodeInvalidRequest
	}
	writeErrorCode(w, code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, code, message string) {
	status, ok := errorStatusCodes[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
