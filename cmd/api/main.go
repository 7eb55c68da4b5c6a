package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/averyhill/strongbox/internal/auth"
	"github.com/averyhill/strongbox/internal/background"
	"github.com/averyhill/strongbox/internal/cache"
	"github.com/averyhill/strongbox/internal/config"
	"github.com/averyhill/strongbox/internal/database"
	"github.com/averyhill/strongbox/internal/handlers"
	middlewareCustom "github.com/averyhill/strongbox/internal/middleware"
	"github.com/averyhill/strongbox/internal/repositories"
	"github.com/averyhill/strongbox/internal/routes"
	"github.com/averyhill/strongbox/internal/services"
	pkgauth "github.com/averyhill/strongbox/pkg/auth"
	pkghttp "github.com/averyhill/strongbox/pkg/http"
	pkglogger "github.com/averyhill/strongbox/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Initialize cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer redisClient.Close()
	cacheStore := cache.NewRedisStore(redisClient)

	// Initialize repositories
	identityRepo := repositories.NewIdentityRepository(db)
	refreshTokenRepo := repositories.NewRefreshTokenRepository(db)
	resetTokenRepo := repositories.NewResetTokenRepository(db)

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
	)

	totpManager, err := auth.NewTOTPManager([]byte(cfg.Auth.TOTPEncryptionKey), cfg.Auth.TOTPIssuer)
	if err != nil {
		logger.Error("failed to initialize TOTP manager", slog.Any("error", err))
		os.Exit(1)
	}

	hasher := pkgauth.NewHasher(cfg.Auth.BcryptCost)
	auditLogger := pkglogger.NewAuditLogger(logger)

	// Timing delay for auth security
	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    100,
		RandomDelayMs:  50,
		DelayOnSuccess: false,
	})

	// AWS SES email delivery
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	mailer, err := services.NewSESMailer(bootCtx, cfg.Delivery.AWSRegion, cfg.Delivery.FromAddress, logger)
	bootCancel()
	if err != nil {
		logger.Error("failed to initialize mailer", slog.Any("error", err))
		os.Exit(1)
	}

	var messenger *services.MessengerClient
	if cfg.Delivery.MessengerAPIBase != "" {
		messenger = services.NewMessengerClient(cfg.Delivery.MessengerAPIBase, cfg.Delivery.MessengerToken, logger)
	}
	channelSender := services.NewChannelSender(mailer, messenger)

	// Initialize services
	tokenService := services.NewTokenService(refreshTokenRepo, tokenManager, logger)
	loginChallenges := services.NewLoginChallenges(cacheStore, cfg.SecondFactor.PendingLoginTTL)
	authService := services.NewAuthService(
		identityRepo,
		resetTokenRepo,
		tokenService,
		hasher,
		mailer,
		timingDelay,
		loginChallenges,
		services.LockoutPolicy{
			Threshold: cfg.Auth.LockoutThreshold,
			Duration:  cfg.Auth.LockoutDuration,
		},
		cfg.Auth.ResetTokenTTL,
		logger,
		auditLogger,
	)
	twoFactorService := services.NewTwoFactorService(
		identityRepo,
		cacheStore,
		totpManager,
		hasher,
		channelSender,
		tokenService,
		loginChallenges,
		cfg.SecondFactor,
		logger,
		auditLogger,
	)

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{}
	authHandler := handlers.NewAuthHandler(authService, ipConfig)
	twoFactorHandler := handlers.NewTwoFactorHandler(twoFactorService)

	// Initialize sweeper
	sweeper := background.NewSweeper(tokenService, authService, logger, cfg.Auth.SweepInterval)

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, authHandler, twoFactorHandler, tokenManager)

	// Health check with database
	router.Get("/health/deep", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start sweeper
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()

	go sweeper.Start(sweepCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	sweepCancel()
	sweeper.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}
