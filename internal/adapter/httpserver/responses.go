// Package httpserver contains the HTTP handlers and middleware of the
// inspection and reconstruction APIs. Handlers stay thin: decode, validate,
// call a usecase, encode.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/resello/inspect3d/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		code = http.StatusBadRequest
		codeStr = "INVALID_INPUT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrUpstreamRateLimit):
		code = http.StatusServiceUnavailable
		codeStr = "UPSTREAM_RATE_LIMIT"
	case errors.Is(err, domain.ErrShutdown):
		code = http.StatusServiceUnavailable
		codeStr = "SHUTTING_DOWN"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
