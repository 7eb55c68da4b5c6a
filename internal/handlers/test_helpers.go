package handlers

import (
	"context"

	intauth "github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/models"
	"github.com/averyhill/strongbox/internal/services"
)

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	RegisterFunc             func(ctx context.Context, email, username, password string) (*models.Identity, error)
	LoginFunc                func(ctx context.Context, identifier, password, ipAddress string) (*services.LoginResult, error)
	RefreshFunc              func(ctx context.Context, refreshToken string) (*models.TokenPair, error)
	LogoutFunc               func(ctx context.Context, refreshToken string) error
	LogoutAllFunc            func(ctx context.Context, userID string) error
	ChangePasswordFunc       func(ctx context.Context, userID, currentPassword, newPassword string) error
	RequestPasswordResetFunc func(ctx context.Context, email string) error
	ResetPasswordFunc        func(ctx context.Context, token, newPassword string) error
}

func (m *MockAuthService) Register(ctx context.Context, email, username, password string) (*models.Identity, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, email, username, password)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) Login(ctx context.Context, identifier, password, ipAddress string) (*services.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, identifier, password, ipAddress)
	}
	return nil, models.ErrInvalidCredentials
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return nil, models.ErrInvalidToken
}

func (m *MockAuthService) Logout(ctx context.Context, refreshToken string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, refreshToken)
	}
	return nil
}

func (m *MockAuthService) LogoutAll(ctx context.Context, userID string) error {
	if m.LogoutAllFunc != nil {
		return m.LogoutAllFunc(ctx, userID)
	}
	return nil
}

func (m *MockAuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if m.ChangePasswordFunc != nil {
		return m.ChangePasswordFunc(ctx, userID, currentPassword, newPassword)
	}
	return nil
}

func (m *MockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.RequestPasswordResetFunc != nil {
		return m.RequestPasswordResetFunc(ctx, email)
	}
	return nil
}

func (m *MockAuthService) ResetPassword(ctx context.Context, token, newPassword string) error {
	if m.ResetPasswordFunc != nil {
		return m.ResetPasswordFunc(ctx, token, newPassword)
	}
	return nil
}

// MockTwoFactorService implements TwoFactorServiceInterface for testing
type MockTwoFactorService struct {
	EnrollTOTPFunc      func(ctx context.Context, userID string) (*intauth.Enrollment, error)
	ConfirmTOTPFunc     func(ctx context.Context, userID, code string) ([]string, error)
	DisableTOTPFunc     func(ctx context.Context, userID, code string) error
	SendChannelCodeFunc func(ctx context.Context, userID, method, challenge string) error
	VerifyFunc          func(ctx context.Context, userID, method, code, challenge string) (*models.TokenPair, error)
}

func (m *MockTwoFactorService) EnrollTOTP(ctx context.Context, userID string) (*intauth.Enrollment, error) {
	if m.EnrollTOTPFunc != nil {
		return m.EnrollTOTPFunc(ctx, userID)
	}
	return nil, models.ErrInternalServer
}

func (m *MockTwoFactorService) ConfirmTOTP(ctx context.Context, userID, code string) ([]string, error) {
	if m.ConfirmTOTPFunc != nil {
		return m.ConfirmTOTPFunc(ctx, userID, code)
	}
	return nil, models.ErrSecondFactorInvalid
}

func (m *MockTwoFactorService) DisableTOTP(ctx context.Context, userID, code string) error {
	if m.DisableTOTPFunc != nil {
		return m.DisableTOTPFunc(ctx, userID, code)
	}
	return nil
}

func (m *MockTwoFactorService) SendChannelCode(ctx context.Context, userID, method, challenge string) error {
	if m.SendChannelCodeFunc != nil {
		return m.SendChannelCodeFunc(ctx, userID, method, challenge)
	}
	return nil
}

func (m *MockTwoFactorService) Verify(ctx context.Context, userID, method, code, challenge string) (*models.TokenPair, error) {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, userID, method, code, challenge)
	}
	return nil, models.ErrSecondFactorInvalid
}
