package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/af-corp/copilot-bridge/internal/credential"
	"github.com/af-corp/copilot-bridge/internal/types"
	"github.com/af-corp/copilot-bridge/internal/upstream"
)

// APIError matches the Messages API error response format.
type APIError struct {
	Type  string          `json:"type"`
	Error types.ErrorBody `json:"error"`
}

// Error types of the Messages API.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthentication = "authentication_error"
	TypePermission     = "permission_error"
	TypeNotFound       = "not_found_error"
	TypeRateLimit      = "rate_limit_error"
	TypeAPI            = "api_error"
	TypeOverloaded     = "overloaded_error"
)

func WriteError(w http.ResponseWriter, requestID string, statusCode int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIError{
		Type:  "error",
		Error: types.ErrorBody{Type: errType, Message: message},
	})
}

// ErrorType maps an HTTP status to the Messages API error type.
func ErrorType(status int) string {
	switch {
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return TypeInvalidRequest
	case status == http.StatusUnauthorized:
		return TypeAuthentication
	case status == http.StatusForbidden:
		return TypePermission
	case status == http.StatusNotFound:
		return TypeNotFound
	case status == http.StatusTooManyRequests:
		return TypeRateLimit
	case status == http.StatusServiceUnavailable, status == 529:
		return TypeOverloaded
	case status >= 400 && status < 500:
		return TypeInvalidRequest
	default:
		return TypeAPI
	}
}

// StatusOf returns the status an error is reported with: an upstream
// rejection keeps its own status, an unavailable credential is 503 and
// anything else is 500.
func StatusOf(err error) int {
	var ue *upstream.Error
	switch {
	case errors.As(err, &ue):
		return ue.Status
	case errors.Is(err, credential.ErrTokenUnavailable), errors.Is(err, credential.ErrNoIdentity):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// MessageOf returns the client-facing message of err.
func MessageOf(err error) string {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return ue.Message()
	}
	return err.Error()
}

// WriteFromError renders err with the status from StatusOf.
func WriteFromError(w http.ResponseWriter, requestID string, err error) {
	status := StatusOf(err)
	WriteError(w, requestID, status, ErrorType(status), MessageOf(err))
}

func WriteAuthError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusUnauthorized, TypeAuthentication, message)
}

func WriteRateLimitError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusTooManyRequests, TypeRateLimit, message)
}

func WriteBadRequestError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusBadRequest, TypeInvalidRequest, message)
}

func WriteForbiddenError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusForbidden, TypePermission, message)
}

func WriteInternalError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusInternalServerError, TypeAPI, message)
}

func WriteServiceUnavailableError(w http.ResponseWriter, requestID, message string) {
	WriteError(w, requestID, http.StatusServiceUnavailable, TypeOverloaded, message)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// AdminError is the body of admin endpoint failures.
type AdminError struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func WriteAdminError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, AdminError{OK: false, Error: message})
}
