package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Handler modes for detokenization output.
const (
	HandlerModeIndirect = "indirect"
	HandlerModeDirect   = "direct"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	ServiceName string
	HTTPPort    string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Issuer        string
	SigningSecret string

	MerchantID string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	ConsentTTL      time.Duration

	PaymentTokenTTL    time.Duration
	PaymentHandlerMode string

	SessionTTL            time.Duration
	CompletedRetentionTTL time.Duration
	IdempotencyWindow     time.Duration

	RateLimitRPM int

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool

	DemoClientID     string
	DemoClientSecret string
	DemoMemberEmail  string
	DemoMemberPass   string
}

// IsProduction reports whether the process runs with production hardening.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	secret := strings.TrimSpace(os.Getenv("SIGNING_SECRET"))
	if secret == "" {
		return Config{}, fmt.Errorf("SIGNING_SECRET is required")
	}
	if len(secret) < 32 {
		return Config{}, fmt.Errorf("SIGNING_SECRET must be at least 32 bytes")
	}

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "checkout-bridge"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		Issuer:        getEnv("ISSUER", "http://localhost:8080"),
		SigningSecret: secret,

		MerchantID: getEnv("MERCHANT_ID", "merchant-dev"),

		AccessTokenTTL:  getDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL: getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:     getDuration("AUTH_CODE_TTL", 10*time.Minute),
		ConsentTTL:      getDuration("CONSENT_TTL", 90*24*time.Hour),

		PaymentTokenTTL:    getDuration("PAYMENT_TOKEN_TTL", 15*time.Minute),
		PaymentHandlerMode: getEnv("PAYMENT_HANDLER_MODE", HandlerModeIndirect),

		SessionTTL:            getDuration("CHECKOUT_SESSION_TTL", time.Hour),
		CompletedRetentionTTL: getDuration("COMPLETED_RETENTION_TTL", 5*time.Minute),
		IdempotencyWindow:     getDuration("IDEMPOTENCY_WINDOW", 24*time.Hour),

		RateLimitRPM: getInt("RATE_LIMIT_RPM", 600),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PATCH", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "Idempotency-Key"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),

		DemoClientID:     os.Getenv("DEMO_CLIENT_ID"),
		DemoClientSecret: os.Getenv("DEMO_CLIENT_SECRET"),
		DemoMemberEmail:  os.Getenv("DEMO_MEMBER_EMAIL"),
		DemoMemberPass:   os.Getenv("DEMO_MEMBER_PASSWORD"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.PaymentHandlerMode {
	case HandlerModeIndirect, HandlerModeDirect:
	default:
		return Config{}, fmt.Errorf("PAYMENT_HANDLER_MODE must be %q or %q", HandlerModeIndirect, HandlerModeDirect)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
