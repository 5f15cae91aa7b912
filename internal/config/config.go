package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	CadernetaBaseURL      string        `mapstructure:"CADERNETA_BASE_URL"`
	CadernetaAuthorizeURL string        `mapstructure:"CADERNETA_AUTHORIZE_URL"`
	CadernetaAPIKey       string        `mapstructure:"CADERNETA_API_KEY"`
	PartnerHTTPTimeout    time.Duration `mapstructure:"PARTNER_HTTP_TIMEOUT"`

	ConnectionStateSecret string        `mapstructure:"CONNECTION_STATE_SECRET"`
	ConnectionStateTTL    time.Duration `mapstructure:"CONNECTION_STATE_TTL"`

	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	OTelEnabled     bool   `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"CADERNETA_BASE_URL", "CADERNETA_AUTHORIZE_URL", "CADERNETA_API_KEY", "PARTNER_HTTP_TIMEOUT",
	"CONNECTION_STATE_SECRET", "CONNECTION_STATE_TTL",
	"RABBITMQ_URL",
	"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("PARTNER_HTTP_TIMEOUT", "30s")
	v.SetDefault("CONNECTION_STATE_TTL", "15m")
	v.SetDefault("OTEL_ENABLED", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	v.SetDefault("OTEL_SERVICE_NAME", "companion-server")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in development mode (ENV=development).")
		log.Println("WARNING: connection state tokens fall back to an insecure development secret.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StateSecret returns the key used to sign connection correlation tokens.
func (c *Config) StateSecret() []byte {
	if c.ConnectionStateSecret == "" && c.IsDev() {
		return []byte("development-only-connection-state-secret")
	}
	return []byte(c.ConnectionStateSecret)
}

// SigningKey returns the HS256 bearer secret. In development with no remote
// key source configured a fixed key is used so local tokens can be minted.
func (c *Config) SigningKey() []byte {
	if c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.IsDev() {
		return []byte("development-only-auth-signing-key")
	}
	return []byte(c.AuthSigningKey)
}

// Validate checks that the configuration is safe to run. Outside development
// a bearer verification source and a strong state secret are mandatory.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
			return fmt.Errorf("one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q", c.Env)
		}
		if len(c.ConnectionStateSecret) < 32 {
			return fmt.Errorf("CONNECTION_STATE_SECRET must be at least 32 bytes, got %d", len(c.ConnectionStateSecret))
		}
	}

	if c.CadernetaBaseURL != "" {
		u, err := url.Parse(c.CadernetaBaseURL)
		if err != nil {
			return fmt.Errorf("CADERNETA_BASE_URL is invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("CADERNETA_BASE_URL scheme must be http or https, got %q", u.Scheme)
		}
	}

	if c.PartnerHTTPTimeout <= 0 {
		return fmt.Errorf("PARTNER_HTTP_TIMEOUT must be positive")
	}
	if c.ConnectionStateTTL <= 0 {
		return fmt.Errorf("CONNECTION_STATE_TTL must be positive")
	}

	return nil
}
