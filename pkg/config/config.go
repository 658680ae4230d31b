package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "NOTIFIER"

// Config holds all configuration for the application
type Config struct {
	Database  DatabaseConfig
	Discovery DiscoveryConfig
	Redis     RedisConfig
	Server    ServerConfig
	Indexer   IndexerConfig
	Digest    DigestConfig
	Push      PushConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	URL          string
	MaxIdleConns int
	MaxOpenConns int
}

// DiscoveryConfig holds upstream discovery service configuration
type DiscoveryConfig struct {
	URL     string
	Timeout time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string
	Enabled bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
	Host string
}

// IndexerConfig holds indexing loop configuration
type IndexerConfig struct {
	GenesisBlock    int64
	PollInterval    time.Duration
	MaxListenTracks int
	QueueLockTTL    time.Duration
}

// DigestConfig holds email digest configuration
type DigestConfig struct {
	Enabled             bool
	Interval            time.Duration
	Workers             int
	PageSize            int
	SendgridAPIKey      string
	FromEmail           string
	FromName            string
	TemplateID          string
	UnsubscribeGroupID  int
}

// PushConfig holds push transport configuration
type PushConfig struct {
	Enabled   bool
	ProjectID string
	Topic     string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string
	Format       string // "json" or "text"
	ScalyrFormat bool   // Enable Scalyr-compatible JSON format
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled           bool
	JaegerURL         string
	PrometheusEnabled bool
	PrometheusPort    int
	ServiceName       string
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.notifier")
	viper.AddConfigPath("/etc/notifier")

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found; this is OK if we have env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			URL:          getString("database_url", ""),
			MaxIdleConns: getInt("db_max_idle_conns", 10),
			MaxOpenConns: getInt("db_max_open_conns", 50),
		},
		Discovery: DiscoveryConfig{
			URL:     getString("discovery_url", ""),
			Timeout: getDuration("discovery_timeout", 30*time.Second),
		},
		Redis: RedisConfig{
			URL:     getString("redis_url", ""),
			Enabled: getString("redis_url", "") != "",
		},
		Server: ServerConfig{
			Port: getInt("http_server_port", 8080),
			Host: getString("http_server_host", "0.0.0.0"),
		},
		Indexer: IndexerConfig{
			GenesisBlock:    int64(getInt("genesis_block", 0)),
			PollInterval:    getDuration("poll_interval", 3*time.Second),
			MaxListenTracks: getInt("max_listen_tracks", 500),
			QueueLockTTL:    getDuration("queue_lock_ttl", time.Minute),
		},
		Digest: DigestConfig{
			Enabled:            getBool("digest_enabled", true),
			Interval:           getDuration("digest_interval", time.Hour),
			Workers:            getInt("digest_workers", 8),
			PageSize:           getInt("digest_page_size", 500),
			SendgridAPIKey:     getString("sendgrid_api_key", ""),
			FromEmail:          getString("from_email", "notifications@soundchain.io"),
			FromName:           getString("from_name", "Soundchain"),
			TemplateID:         getString("sendgrid_digest_template_id", ""),
			UnsubscribeGroupID: getInt("sendgrid_unsubscribe_group_id", 0),
		},
		Push: PushConfig{
			Enabled:   getBool("push_enabled", false),
			ProjectID: getString("google_cloud_project", ""),
			Topic:     getString("pubsub_topic_new_notifications", "new-notifications"),
		},
		Logging: LoggingConfig{
			Level:        getString("log_level", "INFO"),
			Format:       getString("log_format", "json"),
			ScalyrFormat: getBool("log_scalyr_format", true),
		},
		Telemetry: TelemetryConfig{
			Enabled:           getBool("telemetry_enabled", true),
			JaegerURL:         getString("jaeger_url", "http://localhost:14268/api/traces"),
			PrometheusEnabled: getBool("prometheus_enabled", true),
			PrometheusPort:    getInt("prometheus_port", 9090),
			ServiceName:       getString("service_name", "notifier"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("http_server_port", 8080)
	viper.SetDefault("http_server_host", "0.0.0.0")
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("log_scalyr_format", true)
	viper.SetDefault("poll_interval", "3s")
	viper.SetDefault("discovery_timeout", "30s")
	viper.SetDefault("max_listen_tracks", 500)
	viper.SetDefault("digest_interval", "1h")
	viper.SetDefault("digest_workers", 8)
	viper.SetDefault("telemetry_enabled", true)
	viper.SetDefault("prometheus_enabled", true)
	viper.SetDefault("prometheus_port", 9090)
	viper.SetDefault("service_name", "notifier")
}

func getString(key, defaultValue string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	// Also check environment variable directly
	if val := os.Getenv(envPrefix + "_" + toEnvKey(key)); val != "" {
		return val
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	if val := os.Getenv(envPrefix + "_" + toEnvKey(key)); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	if val := os.Getenv(envPrefix + "_" + toEnvKey(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if viper.IsSet(key) {
		return viper.GetDuration(key)
	}
	if val := os.Getenv(envPrefix + "_" + toEnvKey(key)); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultValue
}

// toEnvKey converts snake_case to UPPER_SNAKE_CASE
func toEnvKey(key string) string {
	result := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r == '-':
			result = append(result, '_')
		case r >= 'a' && r <= 'z':
			result = append(result, r-'a'+'A')
		default:
			result = append(result, r)
		}
	}
	return string(result)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.Discovery.URL == "" {
		return fmt.Errorf("discovery_url is required")
	}
	if c.Indexer.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Indexer.MaxListenTracks <= 0 || c.Indexer.MaxListenTracks > 5000 {
		return fmt.Errorf("max_listen_tracks must be between 1 and 5000")
	}
	if c.Indexer.QueueLockTTL <= c.Discovery.Timeout {
		return fmt.Errorf("queue_lock_ttl must be longer than discovery_timeout")
	}
	if c.Indexer.GenesisBlock < 0 {
		return fmt.Errorf("genesis_block must not be negative")
	}
	if c.Digest.Workers <= 0 || c.Digest.Workers > 64 {
		return fmt.Errorf("digest_workers must be between 1 and 64")
	}
	if c.Push.Enabled && c.Push.ProjectID == "" {
		return fmt.Errorf("google_cloud_project is required when push is enabled")
	}
	return nil
}
