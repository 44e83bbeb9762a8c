// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	EUtils    EUtilsConfig    `mapstructure:"eutils"`
	Harvest   HarvestConfig   `mapstructure:"harvest"`
	Robots    RobotsConfig    `mapstructure:"robots"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	MaxQueries int    `mapstructure:"max_queries"`
}

// EUtilsConfig identifies the harvester to the E-utilities API. ToolName and
// Email are sent on every request; APIKey raises the rate limit.
type EUtilsConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	Database       string  `mapstructure:"database"`
	ToolName       string  `mapstructure:"tool_name"`
	Email          string  `mapstructure:"email"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	Burst          int     `mapstructure:"burst"`
}

// HarvestConfig governs the paging loop and the dispatcher.
type HarvestConfig struct {
	Queries          []string `mapstructure:"queries"`
	Modes            []string `mapstructure:"modes"`
	Ceiling          int      `mapstructure:"ceiling"`
	SummaryChunkSize int      `mapstructure:"summary_chunk_size"`
	FetchChunkSize   int      `mapstructure:"fetch_chunk_size"`
	ExtractWorkers   int      `mapstructure:"extract_workers"`
	Concurrency      int      `mapstructure:"concurrency"`
	QueueDepth       int      `mapstructure:"queue_depth"`
}

// RobotsConfig controls the robots.txt resolver.
type RobotsConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBytes       int64  `mapstructure:"max_bytes"`
}

// StorageConfig selects the record sink and the blob store for downloads.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	BlobBackend string `mapstructure:"blob_backend"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	MaxConnLifetime string `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// PubSubConfig holds metadata for record notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ExportConfig enables the flat-file CSV export next to the primary sink.
type ExportConfig struct {
	CSVDir string `mapstructure:"csv_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("eutils.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils")
	v.SetDefault("eutils.database", "pmc")
	v.SetDefault("eutils.tool_name", "pmc-harvester")
	v.SetDefault("eutils.email", "")
	v.SetDefault("eutils.api_key", "")
	v.SetDefault("eutils.timeout_seconds", 30)
	v.SetDefault("eutils.rate_limit", 3.0)
	v.SetDefault("eutils.burst", 1)
	v.SetDefault("harvest.queries", []string{})
	v.SetDefault("harvest.modes", []string{"summary", "fulltext"})
	v.SetDefault("harvest.ceiling", 10000)
	v.SetDefault("harvest.summary_chunk_size", 350)
	v.SetDefault("harvest.fetch_chunk_size", 20)
	v.SetDefault("harvest.extract_workers", 4)
	v.SetDefault("harvest.concurrency", 2)
	v.SetDefault("harvest.queue_depth", 64)
	v.SetDefault("robots.user_agent", "pmc-harvester/0.1")
	v.SetDefault("robots.timeout_seconds", 10)
	v.SetDefault("robots.max_bytes", 1<<20)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.blob_backend", "local")
	v.SetDefault("storage.base_dir", "scraper_data")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("export.csv_dir", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.max_queries", 100)
	v.SetDefault("telemetry.service_name", "pmc-harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.EUtils.BaseURL == "" {
		return fmt.Errorf("eutils.base_url must be set")
	}
	if c.EUtils.ToolName == "" {
		return fmt.Errorf("eutils.tool_name must be set")
	}
	if c.EUtils.TimeoutSeconds <= 0 {
		return fmt.Errorf("eutils.timeout_seconds must be > 0")
	}
	if c.EUtils.RateLimit <= 0 {
		return fmt.Errorf("eutils.rate_limit must be > 0")
	}
	if c.Harvest.Ceiling <= 0 {
		return fmt.Errorf("harvest.ceiling must be > 0")
	}
	if c.Harvest.SummaryChunkSize <= 0 || c.Harvest.FetchChunkSize <= 0 {
		return fmt.Errorf("harvest chunk sizes must be > 0")
	}
	if c.Harvest.ExtractWorkers <= 0 {
		return fmt.Errorf("harvest.extract_workers must be > 0")
	}
	if c.Harvest.Concurrency <= 0 {
		return fmt.Errorf("harvest.concurrency must be > 0")
	}
	for _, m := range c.Harvest.Modes {
		if m != "summary" && m != "fulltext" {
			return fmt.Errorf("harvest.modes: unknown mode %q", m)
		}
	}
	if c.Robots.UserAgent == "" {
		return fmt.Errorf("robots.user_agent must be set")
	}
	if c.Robots.TimeoutSeconds <= 0 {
		return fmt.Errorf("robots.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	switch c.Storage.BlobBackend {
	case "memory":
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local blob backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs blob backend")
		}
	default:
		return fmt.Errorf("storage.blob_backend: unknown backend %q", c.Storage.BlobBackend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.DB.MaxConnLifetime != "" {
		if _, err := time.ParseDuration(c.DB.MaxConnLifetime); err != nil {
			return fmt.Errorf("db.max_conn_lifetime: %w", err)
		}
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// EUtilsTimeout converts the configured E-utilities timeout into a duration.
func (c Config) EUtilsTimeout() time.Duration {
	return time.Duration(c.EUtils.TimeoutSeconds) * time.Second
}

// RobotsTimeout converts the configured robots timeout into a duration.
func (c Config) RobotsTimeout() time.Duration {
	return time.Duration(c.Robots.TimeoutSeconds) * time.Second
}

// ConnLifetime returns the parsed pool connection lifetime, zero when unset.
func (c Config) ConnLifetime() time.Duration {
	d, err := time.ParseDuration(c.DB.MaxConnLifetime)
	if err != nil {
		return 0
	}
	return d
}
