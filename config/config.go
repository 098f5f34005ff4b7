package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Auth          AuthConfig
	JWKS          JWKSConfig
	Observability ObservabilityConfig
	Environment   string `validate:"required,oneof=development dev test staging production prod"`

	// Token is the bearer token verified by the one-shot check command.
	// The server ignores it.
	Token string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int           `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `validate:"min=1s"`
	WriteTimeout    time.Duration `validate:"min=1s"`
	ShutdownTimeout time.Duration `validate:"min=1s"`
	RequestTimeout  time.Duration `validate:"min=1s"`
}

// AuthConfig describes the trusted identity provider and the claim policy
type AuthConfig struct {
	// Authority is the provider base URL; the key set lives at
	// {Authority}/.well-known/jwks.json.
	Authority string `validate:"required,http_url"`
	// Issuer must match the "iss" claim exactly. Defaults to Authority.
	Issuer         string `validate:"required"`
	Audience       string
	Leeway         time.Duration `validate:"min=0s,max=5m"`
	RequireSubject bool
	RequireExpiry  bool
	CheckNotBefore bool
}

// JWKSConfig holds key-set retrieval and caching settings
type JWKSConfig struct {
	CacheTTL           time.Duration `validate:"min=1s"`
	MinRefreshInterval time.Duration `validate:"min=0s"`
	FetchTimeout       time.Duration `validate:"min=100ms,max=1m"`
	UserAgent          string        `validate:"required"`
	BreakerMaxFailures uint32        `validate:"min=1"`
	BreakerOpenTimeout time.Duration `validate:"min=1s"`
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel         string `validate:"required,oneof=debug info warn error"`
	LogFormat        string `validate:"oneof=json text console"` // json or text
	MetricsEnabled   bool
	MetricsNamespace string `validate:"required"`
}

var validate = validator.New()

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	authority := getEnvAny([]string{"AUTHORITY", "Authority"}, "")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Token:       getEnvAny([]string{"TOKEN", "Token"}, ""),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RequestTimeout:  getEnvAsDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
		},
		Auth: AuthConfig{
			Authority:      authority,
			Issuer:         getEnv("AUTH_ISSUER", authority),
			Audience:       getEnv("AUTH_AUDIENCE", ""),
			Leeway:         getEnvAsDuration("AUTH_LEEWAY", 0),
			RequireSubject: getEnvAsBool("AUTH_REQUIRE_SUBJECT", true),
			RequireExpiry:  getEnvAsBool("AUTH_REQUIRE_EXPIRY", true),
			CheckNotBefore: getEnvAsBool("AUTH_CHECK_NOT_BEFORE", true),
		},
		JWKS: JWKSConfig{
			CacheTTL:           getEnvAsDuration("JWKS_CACHE_TTL", 10*time.Minute),
			MinRefreshInterval: getEnvAsDuration("JWKS_MIN_REFRESH_INTERVAL", 30*time.Second),
			FetchTimeout:       getEnvAsDuration("JWKS_FETCH_TIMEOUT", 10*time.Second),
			UserAgent:          getEnv("JWKS_USER_AGENT", "tokengate/1.0"),
			BreakerMaxFailures: uint32(getEnvAsInt("JWKS_BREAKER_MAX_FAILURES", 5)),
			BreakerOpenTimeout: getEnvAsDuration("JWKS_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},
		Observability: ObservabilityConfig{
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			LogFormat:        getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:   getEnvAsBool("METRICS_ENABLED", true),
			MetricsNamespace: getEnv("METRICS_NAMESPACE", "tokengate"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks field constraints, then the rules that span fields
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			return describe(validationErrors)
		}
		return err
	}

	if c.IsProduction() && !strings.HasPrefix(c.Auth.Authority, "https://") {
		return fmt.Errorf("authority must use https in production")
	}

	return nil
}

// describe flattens validator errors into one message naming each field
func describe(errs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		field := strings.TrimPrefix(err.Namespace(), "Config.")
		switch err.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "http_url":
			msgs = append(msgs, fmt.Sprintf("%s must be an http(s) URL", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, err.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, err.Tag(), err.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAny returns the first non-empty variable among keys
func getEnvAny(keys []string, defaultValue string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
