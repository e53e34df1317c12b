package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gatehouse-id/gatehouse/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Session configuration
	Session SessionConfig

	// State token configuration
	State StateConfig

	// OAuth / OIDC configuration
	OAuth OAuthConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// PublicBaseURL is the externally visible base URL of this service,
	// used to build OAuth redirect URIs.
	PublicBaseURL string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnTimeout  time.Duration
}

// SessionConfig holds browser session configuration
type SessionConfig struct {
	// RedisURL selects the Redis-backed session store when set; the
	// in-memory store is used otherwise.
	RedisURL      string
	TTL           time.Duration
	SecureCookies bool
}

// StateConfig holds signed state token configuration
type StateConfig struct {
	// Secret signs registration and invitation state tokens.
	Secret string
	TTL    time.Duration
}

// OAuthConfig holds provider client defaults and callback behavior
type OAuthConfig struct {
	// Default client used for the onboarding pseudo-tenant and for
	// tenants without a provider registration of their own.
	DefaultIssuerURL    string
	DefaultClientID     string
	DefaultClientSecret string
	DefaultScopes       []string

	// FrontendBaseURL is where post-login redirects land.
	FrontendBaseURL string

	// DevExchangeEnabled turns on the loopback-only ticket exchange
	// endpoint used by local tooling.
	DevExchangeEnabled bool
	DevTicketTTL       time.Duration

	// ClientCacheSize bounds the resolved-client LRU.
	ClientCacheSize int
	ClientCacheTTL  time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Session:       loadSessionConfig(),
		State:         loadStateConfig(),
		OAuth:         loadOAuthConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("GATEHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),
		PublicBaseURL:   getEnv("GATEHOUSE_PUBLIC_BASE_URL", "http://localhost:8080"),
	}
}

// loadDatabaseConfig loads PostgreSQL configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("GATEHOUSE_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("GATEHOUSE_POSTGRES_IDLE_CONNS", 5),
		ConnTimeout:  getEnvDuration("GATEHOUSE_POSTGRES_TIMEOUT", 5*time.Second),
	}
}

// loadSessionConfig loads session configuration from environment
func loadSessionConfig() SessionConfig {
	return SessionConfig{
		RedisURL:      getEnv("GATEHOUSE_REDIS_URL", ""),
		TTL:           getEnvDuration("GATEHOUSE_SESSION_TTL", 12*time.Hour),
		SecureCookies: getEnvBool("GATEHOUSE_SECURE_COOKIES", true),
	}
}

// loadStateConfig loads state token configuration from environment
func loadStateConfig() StateConfig {
	return StateConfig{
		Secret: getEnv("GATEHOUSE_STATE_SECRET", ""),
		TTL:    getEnvDuration("GATEHOUSE_STATE_TTL", 10*time.Minute),
	}
}

// loadOAuthConfig loads OAuth configuration from environment
func loadOAuthConfig() OAuthConfig {
	scopes := strings.Fields(getEnv("GATEHOUSE_OAUTH_SCOPES", "openid profile email"))
	return OAuthConfig{
		DefaultIssuerURL:    getEnv("GATEHOUSE_OAUTH_ISSUER_URL", ""),
		DefaultClientID:     getEnv("GATEHOUSE_OAUTH_CLIENT_ID", ""),
		DefaultClientSecret: getEnv("GATEHOUSE_OAUTH_CLIENT_SECRET", ""),
		DefaultScopes:       scopes,
		FrontendBaseURL:     getEnv("GATEHOUSE_FRONTEND_BASE_URL", "http://localhost:3000"),
		DevExchangeEnabled:  getEnvBool("GATEHOUSE_DEV_EXCHANGE_ENABLED", false),
		DevTicketTTL:        getEnvDuration("GATEHOUSE_DEV_TICKET_TTL", time.Minute),
		ClientCacheSize:     getEnvInt("GATEHOUSE_CLIENT_CACHE_SIZE", 128),
		ClientCacheTTL:      getEnvDuration("GATEHOUSE_CLIENT_CACHE_TTL", 5*time.Minute),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("GATEHOUSE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("GATEHOUSE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("GATEHOUSE_OTEL_SERVICE_NAME", "gatehouse"),
		OTelServiceVersion: getEnv("GATEHOUSE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("GATEHOUSE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Server.PublicBaseURL == "" {
		return fmt.Errorf("public base URL is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.State.Secret == "" {
		return fmt.Errorf("state secret is required")
	}
	if len(c.State.Secret) < 32 {
		return fmt.Errorf("state secret must be at least 32 bytes")
	}

	if c.OAuth.DefaultIssuerURL == "" {
		return fmt.Errorf("OAuth issuer URL is required")
	}
	if c.OAuth.DefaultClientID == "" {
		return fmt.Errorf("OAuth client ID is required")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
