package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Question sources.
const (
	SourceLocal    = "local"
	SourceUpstream = "upstream"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	DraftTTL          time.Duration `mapstructure:"DRAFT_TTL"`
	SessionIdleTTL    time.Duration `mapstructure:"SESSION_IDLE_TTL"`
	MaxSessions       int           `mapstructure:"MAX_SESSIONS_PER_PATIENT"`
	AMQPURL           string        `mapstructure:"AMQP_URL"`
	EventsExchange    string        `mapstructure:"EVENTS_EXCHANGE"`
	QuestionSource    string        `mapstructure:"QUESTION_SOURCE"`
	UpstreamBaseURL   string        `mapstructure:"UPSTREAM_BASE_URL"`
	UpstreamToken     string        `mapstructure:"UPSTREAM_TOKEN"`
	UpstreamTimeout   time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	ProfilePageSize   int           `mapstructure:"PROFILE_PAGE_SIZE"`
	ValidicDeviceType string        `mapstructure:"VALIDIC_DEVICE_TYPE"`
	MetricsEnabled    bool          `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "DRAFT_TTL", "SESSION_IDLE_TTL", "MAX_SESSIONS_PER_PATIENT",
	"AMQP_URL", "EVENTS_EXCHANGE",
	"QUESTION_SOURCE", "UPSTREAM_BASE_URL", "UPSTREAM_TOKEN", "UPSTREAM_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"PROFILE_PAGE_SIZE", "VALIDIC_DEVICE_TYPE", "METRICS_ENABLED",
}

// Load reads .env (if present) and the environment. The store the question
// source needs must be configured.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DRAFT_TTL", "168h")
	v.SetDefault("SESSION_IDLE_TTL", "30m")
	v.SetDefault("MAX_SESSIONS_PER_PATIENT", 5)
	v.SetDefault("EVENTS_EXCHANGE", "wellness.events")
	v.SetDefault("QUESTION_SOURCE", SourceLocal)
	v.SetDefault("UPSTREAM_TIMEOUT", "15s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("PROFILE_PAGE_SIZE", 3)
	v.SetDefault("VALIDIC_DEVICE_TYPE", "mobile")
	v.SetDefault("METRICS_ENABLED", true)

	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	cfg.QuestionSource = strings.ToLower(strings.TrimSpace(cfg.QuestionSource))

	switch cfg.QuestionSource {
	case SourceLocal:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when QUESTION_SOURCE is %q", SourceLocal)
		}
	case SourceUpstream:
		if cfg.UpstreamBaseURL == "" {
			return nil, fmt.Errorf("UPSTREAM_BASE_URL is required when QUESTION_SOURCE is %q", SourceUpstream)
		}
	default:
		return nil, fmt.Errorf("QUESTION_SOURCE must be %q or %q, got %q", SourceLocal, SourceUpstream, cfg.QuestionSource)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to serve with. Outside
// development a token verification method must be configured.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("one of AUTH_SIGNING_KEY, AUTH_ISSUER or AUTH_JWKS_URL is required when ENV=%q", c.Env)
	}
	if c.ProfilePageSize <= 0 {
		return fmt.Errorf("PROFILE_PAGE_SIZE must be positive, got %d", c.ProfilePageSize)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.SessionIdleTTL <= 0 || c.MaxSessions <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL and MAX_SESSIONS_PER_PATIENT must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
