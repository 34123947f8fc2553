// Package api provides the HTTP surface of the location service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/kitchenops/internal/location"
	"github.com/onnwee/kitchenops/internal/middleware"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeAuthFailed indicates authentication failure.
	ErrCodeAuthFailed = "auth_failed"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limited"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeForbidden indicates the request is forbidden.
	ErrCodeForbidden = "forbidden"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeLocationNotGranted indicates a location outside the user's grant.
	ErrCodeLocationNotGranted = "location_not_granted"

	// ErrCodeLocationBlocked indicates the user has no usable location.
	ErrCodeLocationBlocked = "location_blocked"

	// ErrCodeNoSuggestion indicates there is no suggestion to accept.
	ErrCodeNoSuggestion = "no_suggestion"

	// ErrCodeCatalogUnavailable indicates the location catalog failed to load.
	ErrCodeCatalogUnavailable = "catalog_unavailable"

	// ErrCodeUpstream indicates the remote data source failed.
	ErrCodeUpstream = "upstream_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response and reports code to
// the logging middleware.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	r = middleware.RecordErrorCode(r, code)
	ctx := r.Context()

	data, err := json.Marshal(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeForbidden, ErrCodeLocationNotGranted:
		return http.StatusForbidden
	case ErrCodeLocationBlocked, ErrCodeNoSuggestion:
		return http.StatusConflict
	case ErrCodeCatalogUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCodeFor maps location errors onto API error codes.
func errorCodeFor(err error) string {
	switch {
	case errors.Is(err, location.ErrLocationNotGranted), errors.Is(err, location.ErrInvalidLocationSwitch):
		return ErrCodeLocationNotGranted
	case errors.Is(err, location.ErrCatalogLoad):
		return ErrCodeCatalogUnavailable
	case errors.Is(err, location.ErrBundleFetch):
		return ErrCodeUpstream
	case errors.Is(err, location.ErrGrantResolution):
		return ErrCodeLocationBlocked
	default:
		return ErrCodeInternal
	}
}

// writeLocationError writes err using the status of its mapped code.
func writeLocationError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorCodeFor(err)
	WriteError(w, r, StatusCodeMapping(code), code, err.Error())
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response", "error", err)
	}
}
