package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	intauth "github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/models"
	pkghttp "github.com/averyhill/strongbox/pkg/http"
)

// TwoFactorServiceInterface defines the second-factor business logic
type TwoFactorServiceInterface interface {
	EnrollTOTP(ctx context.Context, userID string) (*intauth.Enrollment, error)
	ConfirmTOTP(ctx context.Context, userID, code string) ([]string, error)
	DisableTOTP(ctx context.Context, userID, code string) error
	SendChannelCode(ctx context.Context, userID, method, challenge string) error
	Verify(ctx context.Context, userID, method, code, challenge string) (*models.TokenPair, error)
}

// TwoFactorHandler handles second-factor HTTP requests
type TwoFactorHandler struct {
	service TwoFactorServiceInterface
}

// NewTwoFactorHandler creates a new TwoFactorHandler
func NewTwoFactorHandler(service TwoFactorServiceInterface) *TwoFactorHandler {
	return &TwoFactorHandler{service: service}
}

// Request/response DTOs

type ConfirmTOTPRequest struct {
	Code string `json:"code" validate:"required,len=6"`
}

type DisableTOTPRequest struct {
	Code string `json:"code" validate:"required,min=6,max=8"`
}

type SendCodeRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Method    string `json:"method" validate:"required,oneof=email messenger"`
	Challenge string `json:"challenge" validate:"required"`
}

type VerifyRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Method    string `json:"method" validate:"required,oneof=totp email messenger"`
	Code      string `json:"code" validate:"required,min=6,max=8"`
	Challenge string `json:"challenge" validate:"required"`
}

// EnrollResponse carries the one-time setup material. The secret and QR
// code are never retrievable again after this response.
type EnrollResponse struct {
	Secret    string `json:"secret"`
	QRDataURL string `json:"qr_data_url"`
}

type ConfirmTOTPResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

// EnrollTOTP begins TOTP setup for the authenticated user
func (h *TwoFactorHandler) EnrollTOTP(w http.ResponseWriter, r *http.Request) {
	claims := intauth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	enrollment, err := h.service.EnrollTOTP(r.Context(), claims.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, EnrollResponse{
		Secret:    enrollment.Secret,
		QRDataURL: enrollment.QRDataURL,
	})
}

// ConfirmTOTP completes enrollment and returns backup codes
func (h *TwoFactorHandler) ConfirmTOTP(w http.ResponseWriter, r *http.Request) {
	claims := intauth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req ConfirmTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	codes, err := h.service.ConfirmTOTP(r.Context(), claims.UserID, req.Code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, ConfirmTOTPResponse{BackupCodes: codes})
}

// DisableTOTP removes the enrollment after a valid code proves possession
func (h *TwoFactorHandler) DisableTOTP(w http.ResponseWriter, r *http.Request) {
	claims := intauth.GetUserFromContext(r)
	if claims == nil {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	var req DisableTOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.DisableTOTP(r.Context(), claims.UserID, req.Code); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SendCode delivers a one-time code during the pending-login step. The
// challenge from the login response proves the password check already passed.
func (h *TwoFactorHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	var req SendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.service.SendChannelCode(r.Context(), req.UserID, req.Method, req.Challenge); err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message": "Verification code sent.",
	})
}

// Verify completes the pending login with a second-factor code and returns
// the token pair
func (h *TwoFactorHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	pair, err := h.service.Verify(r.Context(), req.UserID, req.Method, req.Code, req.Challenge)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, pair)
}
