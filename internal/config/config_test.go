package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
eutils:
  tool_name: lit-miner
  email: someone@example.org
  api_key: k-123
  timeout_seconds: 45
  rate_limit: 10
harvest:
  queries:
    - "informatics AND open access[filter]"
  modes: ["fulltext"]
  ceiling: 5000
  summary_chunk_size: 200
  fetch_chunk_size: 10
robots:
  user_agent: lit-miner/1.0 (mailto:someone@example.org)
storage:
  backend: postgres
  blob_backend: gcs
  gcs_bucket: harvest-bucket
db:
  dsn: postgres://u:p@localhost:5432/pmc
  max_conn_lifetime: 30m
logging:
  development: false
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.EUtils.ToolName != "lit-miner" || cfg.EUtils.APIKey != "k-123" {
		t.Fatalf("expected eutils overrides to apply: %+v", cfg.EUtils)
	}
	if cfg.EUtils.Database != "pmc" {
		t.Fatalf("expected default database pmc, got %q", cfg.EUtils.Database)
	}
	if len(cfg.Harvest.Queries) != 1 || cfg.Harvest.Modes[0] != "fulltext" {
		t.Fatalf("expected harvest overrides to apply: %+v", cfg.Harvest)
	}
	if cfg.Harvest.Ceiling != 5000 || cfg.Harvest.SummaryChunkSize != 200 || cfg.Harvest.FetchChunkSize != 10 {
		t.Fatalf("expected chunk overrides to apply: %+v", cfg.Harvest)
	}
	if got := cfg.EUtilsTimeout(); got != 45*time.Second {
		t.Fatalf("expected eutils timeout 45s, got %v", got)
	}
	if got := cfg.ConnLifetime(); got != 30*time.Minute {
		t.Fatalf("expected conn lifetime 30m, got %v", got)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Harvest.Ceiling != 10000 {
		t.Fatalf("expected ceiling 10000, got %d", cfg.Harvest.Ceiling)
	}
	if cfg.Harvest.SummaryChunkSize != 350 || cfg.Harvest.FetchChunkSize != 20 {
		t.Fatalf("unexpected default chunk sizes: %+v", cfg.Harvest)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.BlobBackend != "local" {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Telemetry.ServiceName != "pmc-harvester" || cfg.Server.MaxQueries != 100 {
		t.Fatalf("unexpected telemetry/server defaults: %+v %+v", cfg.Telemetry, cfg.Server)
	}
	if got := cfg.RobotsTimeout(); got != 10*time.Second {
		t.Fatalf("expected robots timeout 10s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		EUtils: EUtilsConfig{
			BaseURL:        "https://eutils.example.org",
			ToolName:       "tool",
			TimeoutSeconds: 10,
			RateLimit:      3,
		},
		Harvest: HarvestConfig{
			Ceiling:          10000,
			SummaryChunkSize: 350,
			FetchChunkSize:   20,
			ExtractWorkers:   2,
			Concurrency:      1,
		},
		Robots:  RobotsConfig{UserAgent: "ua", TimeoutSeconds: 5},
		Storage: StorageConfig{Backend: "memory", BlobBackend: "local", BaseDir: "data"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing tool", func(c *Config) { c.EUtils.ToolName = "" }, "eutils.tool_name"},
		{"zero ceiling", func(c *Config) { c.Harvest.Ceiling = 0 }, "harvest.ceiling"},
		{"zero chunk", func(c *Config) { c.Harvest.FetchChunkSize = 0 }, "chunk sizes"},
		{"unknown mode", func(c *Config) { c.Harvest.Modes = []string{"abstracts"} }, "harvest.modes"},
		{"missing user agent", func(c *Config) { c.Robots.UserAgent = "" }, "robots.user_agent"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, "db.dsn"},
		{"gcs without bucket", func(c *Config) { c.Storage.BlobBackend = "gcs" }, "storage.gcs_bucket"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "records" }, "pubsub.project_id"},
		{"bad lifetime", func(c *Config) { c.DB.MaxConnLifetime = "soon" }, "db.max_conn_lifetime"},
		{"bad sample ratio", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Harvest.Modes = append([]string(nil), base.Harvest.Modes...)
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
