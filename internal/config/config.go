// Package config loads and validates the portal backend configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the DOM_ prefix (e.g., DOM_DATABASE_HOST
// overrides database.host in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment variables
// in containerized deployments — no recompilation or different binaries needed.
//
// The BACKUP_MASTER_KEY variable has no DOM_ prefix because it may be injected by
// infrastructure tooling (e.g., Kubernetes secrets, Vault agent) that does not
// know the application-specific prefix and treats it as a generic secret name.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// StorageConfig holds backup blob storage configuration
type StorageConfig struct {
	// DefaultBackend is the backend used for the "local" and "cloud" backup
	// destinations respectively; "ambos" writes through both.
	DefaultBackend string             `mapstructure:"default_backend"`
	Local          LocalStorageConfig `mapstructure:"local"`
	S3             S3StorageConfig    `mapstructure:"s3"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO, DigitalOcean Spaces, etc.)
	Endpoint string `mapstructure:"endpoint"`
	// Region is the AWS region
	Region string `mapstructure:"region"`
	// Bucket is the S3 bucket name
	Bucket string `mapstructure:"bucket"`
	// Static credentials; when empty the AWS default credential chain is used
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	// Enabled determines whether new audit entries are recorded at startup;
	// the runtime toggle persisted in the store takes precedence afterwards
	Enabled bool `mapstructure:"enabled"`
	// MaxEntries caps the main audit log; oldest entries are evicted past the cap
	MaxEntries int `mapstructure:"max_entries"`
	// MaxCriticalEntries caps the separate critical-action log
	MaxCriticalEntries int `mapstructure:"max_critical_entries"`
	// RetentionDays is how long entries are kept before the retention sweep removes them
	RetentionDays int `mapstructure:"retention_days"`
}

// BackupConfig seeds the backup engine. The operator-facing schedule
// (frequencia, horario, retencao, ...) is persisted in the key/value store and
// mutated at runtime through the API; these values only apply on first start.
type BackupConfig struct {
	Frequency     string `mapstructure:"frequency"` // diario, semanal, mensal
	Time          string `mapstructure:"time"`      // HH:MM, server-local
	RetentionDays int    `mapstructure:"retention_days"`
	Compress      bool   `mapstructure:"compress"`
	Encrypt       bool   `mapstructure:"encrypt"`
	Destination   string `mapstructure:"destination"` // local, cloud, ambos
	// MasterKey is the base64url-encoded AES-256 key for backup encryption.
	// Usually injected via the BACKUP_MASTER_KEY environment variable.
	MasterKey string `mapstructure:"master_key"`
}

// WebhookConfig holds webhook distribution configuration
type WebhookConfig struct {
	// MaxAttempts is the number of consecutive delivery failures after which
	// a subscription is deactivated
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBaseDelay is the linear backoff unit for the advisory next-retry instant
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// DeliveryTimeout bounds each outbound delivery attempt
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`
	// ProbeTimeout bounds the liveness probe performed when registering a subscriber
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// HistorySize caps the persisted event history
	HistorySize int `mapstructure:"history_size"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	TLS          TLSConfig          `mapstructure:"tls"`
	CORS         CORSConfig         `mapstructure:"cors"`
}

// CORSConfig holds cross-origin resource sharing configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

// TLSConfig holds TLS/HTTPS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
// viper.BindEnv only errors when called with zero keys; since every key here is a non-empty
// hardcoded string, any error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Storage
		"storage.default_backend",
		"storage.local.base_path",
		"storage.s3.endpoint",
		"storage.s3.region",
		"storage.s3.bucket",
		"storage.s3.access_key_id",
		"storage.s3.secret_access_key",

		// Audit
		"audit.enabled",
		"audit.max_entries",
		"audit.max_critical_entries",
		"audit.retention_days",

		// Backup
		"backup.frequency",
		"backup.time",
		"backup.retention_days",
		"backup.compress",
		"backup.encrypt",
		"backup.destination",
		"backup.master_key",

		// Webhook
		"webhook.max_attempts",
		"webhook.retry_base_delay",
		"webhook.delivery_timeout",
		"webhook.probe_timeout",
		"webhook.history_size",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.tls.enabled",
		"security.tls.cert_file",
		"security.tls.key_file",
		"security.cors.allowed_origins",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set config file path if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/domestica-portal")
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	// Enable environment variable support
	v.SetEnvPrefix("DOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicitly bind environment variables for nested structures
	// This is necessary because AutomaticEnv() doesn't work well with Unmarshal()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Storage.S3.AccessKeyID = expandEnv(cfg.Storage.S3.AccessKeyID)
	cfg.Storage.S3.SecretAccessKey = expandEnv(cfg.Storage.S3.SecretAccessKey)
	cfg.Backup.MasterKey = expandEnv(cfg.Backup.MasterKey)

	// BACKUP_MASTER_KEY is honoured without the DOM_ prefix (secret injection tooling)
	if key := os.Getenv("BACKUP_MASTER_KEY"); key != "" {
		cfg.Backup.MasterKey = key
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "domestica_portal")
	v.SetDefault("database.user", "portal")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	// Storage defaults
	v.SetDefault("storage.default_backend", "local")
	v.SetDefault("storage.local.base_path", "./storage")

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.max_entries", 10000)
	v.SetDefault("audit.max_critical_entries", 1000)
	v.SetDefault("audit.retention_days", 90)

	// Backup defaults
	v.SetDefault("backup.frequency", "diario")
	v.SetDefault("backup.time", "02:00")
	v.SetDefault("backup.retention_days", 30)
	v.SetDefault("backup.compress", true)
	v.SetDefault("backup.encrypt", false)
	v.SetDefault("backup.destination", "local")

	// Webhook defaults
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.retry_base_delay", "1m")
	v.SetDefault("webhook.delivery_timeout", "10s")
	v.SetDefault("webhook.probe_timeout", "5s")
	v.SetDefault("webhook.history_size", 1000)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)
	v.SetDefault("security.tls.enabled", false)
	v.SetDefault("security.cors.allowed_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	// Validate database
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	// Validate storage backend
	validBackends := map[string]bool{"s3": true, "local": true}
	if !validBackends[c.Storage.DefaultBackend] {
		return fmt.Errorf("invalid storage backend: %s (must be s3 or local)", c.Storage.DefaultBackend)
	}

	// Validate S3 storage if enabled
	if c.Storage.DefaultBackend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when using S3 backend")
		}
		if c.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when using S3 backend")
		}
	}

	// Validate local storage if enabled
	if c.Storage.DefaultBackend == "local" {
		if c.Storage.Local.BasePath == "" {
			return fmt.Errorf("storage.local.base_path is required when using local backend")
		}
	}

	// Validate backup seed settings
	validFrequencies := map[string]bool{"diario": true, "semanal": true, "mensal": true}
	if !validFrequencies[c.Backup.Frequency] {
		return fmt.Errorf("invalid backup frequency: %s (must be diario, semanal, or mensal)", c.Backup.Frequency)
	}
	validDestinations := map[string]bool{"local": true, "cloud": true, "ambos": true}
	if !validDestinations[c.Backup.Destination] {
		return fmt.Errorf("invalid backup destination: %s (must be local, cloud, or ambos)", c.Backup.Destination)
	}
	if c.Backup.Encrypt && c.Backup.MasterKey == "" {
		return fmt.Errorf("backup.master_key (or BACKUP_MASTER_KEY) is required when backup encryption is enabled")
	}

	// Validate webhook
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1")
	}
	if c.Webhook.HistorySize < 1 {
		return fmt.Errorf("webhook.history_size must be at least 1")
	}

	// Validate TLS if enabled
	if c.Security.TLS.Enabled {
		if c.Security.TLS.CertFile == "" {
			return fmt.Errorf("security.tls.cert_file is required when TLS is enabled")
		}
		if c.Security.TLS.KeyFile == "" {
			return fmt.Errorf("security.tls.key_file is required when TLS is enabled")
		}
	}

	// Validate logging level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
