package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database     DatabaseConfig
	Cache        CacheConfig
	Server       ServerConfig
	Auth         AuthConfig
	SecondFactor SecondFactorConfig
	Delivery     DeliveryConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type CacheConfig struct {
	Addr     string
	Password string
	DB       int
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type AuthConfig struct {
	JWTSecret        string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	SweepInterval    time.Duration
	BcryptCost       int
	LockoutThreshold int
	LockoutDuration  time.Duration
	ResetTokenTTL    time.Duration
	TOTPEncryptionKey string // 32 bytes, AES-256
	TOTPIssuer        string
}

type SecondFactorConfig struct {
	CodeTTL          time.Duration
	PendingLoginTTL  time.Duration
	FailureWindow    time.Duration
	FailureThreshold int
	BackupCodeCount  int
}

type DeliveryConfig struct {
	AWSRegion        string
	FromAddress      string
	MessengerAPIBase string
	MessengerToken   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "strongbox"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Cache: CacheConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      env,
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:         jwtSecret,
			AccessTokenTTL:    getEnvAsDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTokenTTL:   getEnvAsDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
			SweepInterval:     getEnvAsDuration("TOKEN_SWEEP_INTERVAL", 1*time.Hour),
			BcryptCost:        getEnvAsInt("BCRYPT_COST", 12),
			LockoutThreshold:  getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			LockoutDuration:   getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			ResetTokenTTL:     getEnvAsDuration("RESET_TOKEN_TTL", 1*time.Hour),
			TOTPEncryptionKey: getEnv("TOTP_ENCRYPTION_KEY", ""),
			TOTPIssuer:        getEnv("TOTP_ISSUER", "Strongbox"),
		},
		SecondFactor: SecondFactorConfig{
			CodeTTL:          getEnvAsDuration("SECOND_FACTOR_CODE_TTL", 10*time.Minute),
			PendingLoginTTL:  getEnvAsDuration("SECOND_FACTOR_PENDING_TTL", 5*time.Minute),
			FailureWindow:    getEnvAsDuration("SECOND_FACTOR_FAILURE_WINDOW", 1*time.Hour),
			FailureThreshold: getEnvAsInt("SECOND_FACTOR_FAILURE_THRESHOLD", 5),
			BackupCodeCount:  getEnvAsInt("BACKUP_CODE_COUNT", 10),
		},
		Delivery: DeliveryConfig{
			AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
			FromAddress:      getEnv("EMAIL_FROM_ADDRESS", "no-reply@example.com"),
			MessengerAPIBase: getEnv("MESSENGER_API_BASE", ""),
			MessengerToken:   getEnv("MESSENGER_TOKEN", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	// The refresh TTL must strictly exceed the access TTL or rotation is
	// pointless: every refresh token would outlive its own usefulness.
	if cfg.Auth.RefreshTokenTTL <= cfg.Auth.AccessTokenTTL {
		return nil, fmt.Errorf("REFRESH_TOKEN_TTL must be greater than ACCESS_TOKEN_TTL")
	}

	if key := cfg.Auth.TOTPEncryptionKey; key != "" && len(key) != 32 {
		return nil, fmt.Errorf("TOTP_ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(key))
	}

	return cfg, nil
}

// validateJWTSecret enforces minimum security standards for the signing secret
func validateJWTSecret(secret, env string) error {
	minLength := 16
	if env == "production" {
		minLength = 32 // 256 bits
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}
