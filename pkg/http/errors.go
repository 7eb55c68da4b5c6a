package http

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorResponse is the standard API error envelope.
type ErrorResponse struct {
	Error      string   `json:"error"`                 // machine-readable error code
	Message    string   `json:"message"`               // human-readable message
	RetryAfter int      `json:"retry_after,omitempty"` // seconds, for lockout responses
	Violations []string `json:"violations,omitempty"`  // for password policy failures
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeErrorResponse(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteLocked writes a lockout response carrying a Retry-After hint.
func WriteLocked(w http.ResponseWriter, errorCode, message string, retryAfterSeconds int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeErrorResponse(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      errorCode,
		Message:    message,
		RetryAfter: retryAfterSeconds,
	})
}

// WriteWeakPassword writes a password policy failure with every violation.
func WriteWeakPassword(w http.ResponseWriter, violations []string) {
	writeErrorResponse(w, http.StatusBadRequest, ErrorResponse{
		Error:      "weak_password",
		Message:    "password does not meet strength requirements",
		Violations: violations,
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// Encoding failures are not exposed to the client
	_ = json.NewEncoder(w).Encode(resp)
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}

func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message)
}

func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, "conflict", message)
}

func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "too_many_requests", message)
}

func WriteServiceUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, "service_unavailable", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

// WriteJSON writes a success payload.
func WriteJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}
