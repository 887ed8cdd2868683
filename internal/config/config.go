// Package config provides configuration loading for the respond service.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the respond service
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	OpenSearch  OpenSearchConfig  `mapstructure:"opensearch"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Correlation CorrelationConfig `mapstructure:"correlation"`
	Detection   DetectionConfig   `mapstructure:"detection"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres       PostgresConfig `mapstructure:"postgres"`
	QueryTimeout   time.Duration  `mapstructure:"query_timeout"`
	WriteTimeout   time.Duration  `mapstructure:"write_timeout"`
	MigrationsPath string         `mapstructure:"migrations_path"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString builds a postgres:// URL usable by pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode,
	)
}

// OpenSearchConfig holds the event store connection settings
type OpenSearchConfig struct {
	URL      string        `mapstructure:"url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Insecure bool          `mapstructure:"insecure"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds Redis configuration for the detection ledger
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CorrelationConfig controls the alert correlation cycle
type CorrelationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	MinSeverity   int           `mapstructure:"min_severity"`
	BatchSize     int           `mapstructure:"batch_size"`
	Index         string        `mapstructure:"index"`
	TickTimeout   time.Duration `mapstructure:"tick_timeout"`
	SeenCacheSize int           `mapstructure:"seen_cache_size"`
}

// DetectionConfig controls the rule evaluation cycle
type DetectionConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	RulesDir       string        `mapstructure:"rules_dir"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	DedupEnabled   bool          `mapstructure:"dedup_enabled"`
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/telhawk/respond")
	}

	// Environment variables override (RESPOND_CORRELATION_INTERVAL, etc.)
	v.SetEnvPrefix("RESPOND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// Only fail if a specific config path was given
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8086)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "telhawk_respond")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.query_timeout", "5s")
	v.SetDefault("database.write_timeout", "10s")
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.timeout", "10s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.timeout", "2s")

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("correlation.enabled", true)
	v.SetDefault("correlation.interval", "60s")
	v.SetDefault("correlation.min_severity", 3)
	v.SetDefault("correlation.batch_size", 100)
	v.SetDefault("correlation.index", "suricata-*")
	v.SetDefault("correlation.tick_timeout", "30s")
	v.SetDefault("correlation.seen_cache_size", 10000)

	v.SetDefault("detection.enabled", true)
	v.SetDefault("detection.interval", "60s")
	v.SetDefault("detection.rules_dir", "rules")
	v.SetDefault("detection.query_timeout", "10s")
	v.SetDefault("detection.dedup_enabled", true)
	v.SetDefault("detection.reload_interval", "0s")
}

// Validate rejects settings the schedulers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Correlation.Interval <= 0 {
		errs = append(errs, errors.New("correlation.interval must be positive"))
	}
	if c.Correlation.BatchSize <= 0 {
		errs = append(errs, errors.New("correlation.batch_size must be positive"))
	}
	if c.Correlation.MinSeverity < 1 {
		errs = append(errs, errors.New("correlation.min_severity must be at least 1"))
	}
	if c.Correlation.TickTimeout <= 0 {
		errs = append(errs, errors.New("correlation.tick_timeout must be positive"))
	}
	if c.Detection.Interval <= 0 {
		errs = append(errs, errors.New("detection.interval must be positive"))
	}
	if c.Detection.QueryTimeout <= 0 {
		errs = append(errs, errors.New("detection.query_timeout must be positive"))
	}
	if c.Detection.ReloadInterval < 0 {
		errs = append(errs, errors.New("detection.reload_interval must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
