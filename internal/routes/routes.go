package routes

import (
	"net/http"

	"github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/handlers"
	"github.com/averyhill/strongbox/internal/middleware"
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(
	router chi.Router,
	authHandler *handlers.AuthHandler,
	twoFactorHandler *handlers.TwoFactorHandler,
	tokenManager *auth.TokenManager,
) {
	loginLimit := middleware.DefaultLoginRateLimit()
	codeLimit := middleware.DefaultCodeRateLimit()

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Public routes - no authentication required
	router.With(middleware.RateLimitByIP(loginLimit)).Post("/auth/register", authHandler.Register)
	router.With(middleware.RateLimitByIP(loginLimit)).Post("/auth/login", authHandler.Login)
	router.With(middleware.RateLimitByIP(loginLimit)).Post("/auth/refresh", authHandler.Refresh)
	router.Post("/auth/logout", authHandler.Logout)
	router.With(middleware.RateLimitByIP(codeLimit)).Post("/auth/password-reset-request", authHandler.RequestPasswordReset)
	router.With(middleware.RateLimitByIP(codeLimit)).Post("/auth/password-reset", authHandler.ResetPassword)

	// Pending-login second factor step. These take the user ID and challenge
	// returned by login, before the client holds any tokens; the challenge is
	// what ties them to a completed password check.
	router.With(middleware.RateLimitByIP(codeLimit)).Post("/2fa/send", twoFactorHandler.SendCode)
	router.With(middleware.RateLimitByIP(codeLimit)).Post("/2fa/verify", twoFactorHandler.Verify)

	// Protected routes - authentication required
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(tokenManager))
		r.Use(middleware.RateLimitByUserID(codeLimit))

		r.Post("/auth/logout-all", authHandler.LogoutAll)
		r.Post("/auth/change-password", authHandler.ChangePassword)

		r.Post("/2fa/enroll", twoFactorHandler.EnrollTOTP)
		r.Post("/2fa/confirm", twoFactorHandler.ConfirmTOTP)
		r.Post("/2fa/disable", twoFactorHandler.DisableTOTP)
	})
}
