package handlers

import (
	"errors"
	"net/http"

	"github.com/averyhill/strongbox/internal/models"
	pkghttp "github.com/averyhill/strongbox/pkg/http"
)

// writeServiceError maps service-layer errors onto the HTTP error envelope.
// Credential and account-state failures collapse into one generic 401 so a
// response never confirms whether an account exists.
func writeServiceError(w http.ResponseWriter, err error) {
	var locked *models.AccountLockedError
	var weak *models.WeakPasswordError

	switch {
	case errors.As(err, &locked):
		pkghttp.WriteLocked(w, "account_locked",
			"Too many failed attempts. Please try again later.",
			locked.RetryAfterSeconds())
	case errors.As(err, &weak):
		pkghttp.WriteWeakPassword(w, weak.Violations)
	case errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrAccountInactive):
		pkghttp.WriteUnauthorized(w, "Authentication failed")
	case errors.Is(err, models.ErrInvalidToken),
		errors.Is(err, models.ErrTokenExpired),
		errors.Is(err, models.ErrTokenRevoked):
		pkghttp.WriteUnauthorized(w, "Invalid or expired token")
	case errors.Is(err, models.ErrSecondFactorInvalid):
		pkghttp.WriteUnauthorized(w, "Invalid or expired verification code")
	case errors.Is(err, models.ErrSecondFactorLocked):
		pkghttp.WriteTooManyRequests(w, "Too many failed verification attempts. Please try again later.")
	case errors.Is(err, models.ErrPasswordReused):
		pkghttp.WriteBadRequest(w, "Password was used recently")
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrVersionConflict):
		pkghttp.WriteConflict(w, "Conflicting update, please retry")
	case errors.Is(err, models.ErrNotFound):
		pkghttp.WriteNotFound(w, "Resource not found")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "Bad request")
	case errors.Is(err, models.ErrServiceUnavailable):
		pkghttp.WriteServiceUnavailable(w, "Service temporarily unavailable")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}
