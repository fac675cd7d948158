// Package config provides configuration management for Quill.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Quill server core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Bash     BashConfig     `mapstructure:"bash"`
	AI       AIConfig       `mapstructure:"ai"`
	Files    FilesConfig    `mapstructure:"files"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the backing store configuration.
// Driver is "sqlite" (default, embedded) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// EventsConfig holds event broker configuration.
type EventsConfig struct {
	// SubscriberBuffer is the per-subscriber buffer size; a live subscriber
	// that falls this many events behind is closed and must resubscribe.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
	// NATSURL, when set, mirrors every published event to NATS so external
	// processes can subscribe. Empty disables the mirror.
	NATSURL string `mapstructure:"natsUrl"`
	// PostgresURL, when set, archives events to PostgreSQL instead of the
	// embedded SQLite file. Useful when several quilld instances share a
	// durable event log.
	PostgresURL string `mapstructure:"postgresUrl"`
}

// BashConfig holds bash process manager configuration.
type BashConfig struct {
	DefaultTimeout int  `mapstructure:"defaultTimeout"` // seconds, default 120
	MinTimeout     int  `mapstructure:"minTimeout"`     // seconds, default 1
	MaxTimeout     int  `mapstructure:"maxTimeout"`     // seconds, default 600
	UsePTY         bool `mapstructure:"usePty"`         // run active-mode shells under a PTY
}

// AIConfig holds AI provider defaults and paths.
type AIConfig struct {
	SecretsDir      string `mapstructure:"secretsDir"` // master key location for the secret store
	DefaultProvider string `mapstructure:"defaultProvider"`
	DefaultModel    string `mapstructure:"defaultModel"`
	DefaultAgent    string `mapstructure:"defaultAgent"`
	AgentsDir       string `mapstructure:"agentsDir"` // yaml agent definitions
	RulesDir        string `mapstructure:"rulesDir"`  // yaml rule definitions
}

// FilesConfig holds object store configuration.
type FilesConfig struct {
	StorageDir        string `mapstructure:"storageDir"`
	OrphanGraceWindow int    `mapstructure:"orphanGraceWindow"` // hours, default 24
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint
	Service  string `mapstructure:"service"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DefaultTimeoutDuration returns the default bash timeout as a time.Duration.
func (b *BashConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(b.DefaultTimeout) * time.Second
}

// OrphanGraceDuration returns the orphan-file grace window as a time.Duration.
func (f *FilesConfig) OrphanGraceDuration() time.Duration {
	return time.Duration(f.OrphanGraceWindow) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("QUILL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4096)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "~/.quill/quill.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "quill")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "quill")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// Events defaults - empty NATS URL means in-process fan-out only,
	// empty Postgres URL means the SQLite event archive
	v.SetDefault("events.subscriberBuffer", 50)
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.postgresUrl", "")

	// Bash defaults
	v.SetDefault("bash.defaultTimeout", 120)
	v.SetDefault("bash.minTimeout", 1)
	v.SetDefault("bash.maxTimeout", 600)
	v.SetDefault("bash.usePty", false)

	// AI defaults
	v.SetDefault("ai.secretsDir", "~/.quill/keys")
	v.SetDefault("ai.defaultProvider", "anthropic")
	v.SetDefault("ai.defaultModel", "claude-3-5-sonnet-latest")
	v.SetDefault("ai.defaultAgent", "coder")
	v.SetDefault("ai.agentsDir", "~/.quill/agents")
	v.SetDefault("ai.rulesDir", "~/.quill/rules")

	// Files defaults
	v.SetDefault("files.storageDir", "~/.quill/files")
	v.SetDefault("files.orphanGraceWindow", 24)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service", "quilld")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix QUILL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/quill/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.dbName", "QUILL_DATABASE_DB_NAME")
	_ = v.BindEnv("events.natsUrl", "QUILL_EVENTS_NATS_URL")
	_ = v.BindEnv("events.postgresUrl", "QUILL_EVENTS_POSTGRES_URL")
	_ = v.BindEnv("ai.secretsDir", "QUILL_AI_SECRETS_DIR")
	_ = v.BindEnv("ai.defaultProvider", "QUILL_AI_DEFAULT_PROVIDER")
	_ = v.BindEnv("ai.defaultModel", "QUILL_AI_DEFAULT_MODEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/quill/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database.driver: %q", cfg.Database.Driver)
	}
	if cfg.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("events.subscriberBuffer must be positive")
	}
	if cfg.Bash.MinTimeout <= 0 || cfg.Bash.MaxTimeout < cfg.Bash.MinTimeout {
		return fmt.Errorf("invalid bash timeout bounds: min=%d max=%d", cfg.Bash.MinTimeout, cfg.Bash.MaxTimeout)
	}
	if cfg.Bash.DefaultTimeout < cfg.Bash.MinTimeout || cfg.Bash.DefaultTimeout > cfg.Bash.MaxTimeout {
		return fmt.Errorf("bash.defaultTimeout %d outside [%d, %d]", cfg.Bash.DefaultTimeout, cfg.Bash.MinTimeout, cfg.Bash.MaxTimeout)
	}
	return nil
}
