package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/accounts-engine/pkg/normalize"
)

// Config holds all configuration for accounts-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Matching   normalize.Policy `yaml:"matching"`
	ChangeLog  ChangeLogConfig  `yaml:"change_log"`
	UnitOfWork UnitOfWorkConfig `yaml:"unit_of_work"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT tokens are validated.
	// Set to false for local development without auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// AdminRole is the role claim that grants admin mutations (merge, apply fields).
	AdminRole string `yaml:"admin_role" env:"AUTH_ADMIN_ROLE" env-default:"admin"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"accounts"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"accounts_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`

	// LockTimeout bounds row-lock waits inside a unit of work.
	LockTimeout time.Duration `yaml:"lock_timeout" env:"PG_LOCK_TIMEOUT" env-default:"5s"`

	// MigrateOnStart applies pending migrations when the server starts.
	MigrateOnStart bool `yaml:"migrate_on_start" env:"PG_MIGRATE_ON_START" env-default:"true"`
}

// RedisConfig holds the optional plan cache connection. An empty host
// disables the cache.
type RedisConfig struct {
	Host     string        `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int           `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string        `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int           `yaml:"db" env:"REDIS_DB" env-default:"0"`
	PlanTTL  time.Duration `yaml:"plan_ttl" env:"REDIS_PLAN_TTL" env-default:"30m"`
}

// KafkaConfig holds the optional change feed producer. No brokers disables
// publishing.
type KafkaConfig struct {
	BrokersStr   string        `yaml:"brokers" env:"KAFKA_BROKERS" env-default:""`
	Brokers      []string      `yaml:"-"`
	Topic        string        `yaml:"topic" env:"KAFKA_CHANGE_LOG_TOPIC" env-default:"accounts.change-log"`
	BatchTimeout time.Duration `yaml:"batch_timeout" env:"KAFKA_BATCH_TIMEOUT" env-default:"50ms"`
	RequiredAcks int           `yaml:"required_acks" env:"KAFKA_REQUIRED_ACKS" env-default:"-1"`
	Compression  string        `yaml:"compression" env:"KAFKA_COMPRESSION" env-default:"snappy"`
}

// Enabled reports whether any broker is configured.
func (k *KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// ChangeLogConfig holds change log query settings.
type ChangeLogConfig struct {
	DefaultLimit int `yaml:"default_limit" env:"CHANGE_LOG_DEFAULT_LIMIT" env-default:"50"`
}

// UnitOfWorkConfig bounds retries of transactional mutations.
type UnitOfWorkConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" env:"UOW_MAX_ATTEMPTS" env-default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"UOW_INITIAL_BACKOFF" env-default:"50ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"UOW_MAX_BACKOFF" env-default:"1s"`
}

// TelemetryConfig controls metrics and tracing. Tracing exports over OTLP/HTTP
// only when an endpoint is set.
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" env:"OTEL_SERVICE_NAME" env-default:"accounts-engine"`
	MetricsEnabled bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED" env-default:"true"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" env-default:""`
	OTLPInsecure   bool    `yaml:"otlp_insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" env-default:"false"`
	SampleRatio    float64 `yaml:"sample_ratio" env:"OTEL_SAMPLER_RATIO" env-default:"0.1"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// A missing config.yaml is not an error; defaults and environment apply.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
			return nil, fmt.Errorf("failed to read config.yaml: %w", err)
		}
	} else if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.parseComplexFields()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() {
	c.Auth.JWKSEndpoints = parseJWKSEndpoints(c.Auth.JWKSEndpointsStr)
	c.Kafka.Brokers = splitList(c.Kafka.BrokersStr)
}

func (c *Config) validate() error {
	if c.Auth.EnableVerification && len(c.Auth.JWKSEndpoints) == 0 {
		return fmt.Errorf("auth.jwks_endpoints is required when verification is enabled")
	}
	if c.UnitOfWork.MaxAttempts < 1 {
		return fmt.Errorf("unit_of_work.max_attempts must be at least 1")
	}
	if c.ChangeLog.DefaultLimit < 1 {
		return fmt.Errorf("change_log.default_limit must be at least 1")
	}
	return nil
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range splitList(value) {
		issuer, url, ok := strings.Cut(pair, "=")
		if ok {
			endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(url)
		}
	}
	return endpoints
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
