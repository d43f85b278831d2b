package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	if cfg.Ingest.Listen != "0.0.0.0:5005" {
		t.Errorf("unexpected ingest listen %q", cfg.Ingest.Listen)
	}
	if cfg.Ingest.DatagramSize != 1024 {
		t.Errorf("expected 1024 byte datagrams, got %d", cfg.Ingest.DatagramSize)
	}
	if cfg.Ingest.CacheRefresh != 15*time.Minute {
		t.Errorf("expected 15m cache refresh, got %v", cfg.Ingest.CacheRefresh)
	}
	if cfg.Watchdog.Interval != time.Minute {
		t.Errorf("expected 60s watchdog interval, got %v", cfg.Watchdog.Interval)
	}
	if cfg.Predictor.Period != 86400 || cfg.Predictor.Step != 1 {
		t.Errorf("unexpected predictor defaults: %+v", cfg.Predictor)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
		{"bad sync mode", func(c *Config) { c.Storage.Journal.SyncMode = "never" }, "sync_mode"},
		{"alpha out of range", func(c *Config) { c.Predictor.Alpha = 1.5 }, "alpha"},
		{"period not multiple", func(c *Config) { c.Predictor.Step = 7; c.Predictor.Period = 100 }, "period"},
		{"threshold above window", func(c *Config) { c.Predictor.FailureThreshold = 3 }, "failure_threshold"},
		{"bad listen", func(c *Config) { c.Ingest.Listen = "nope" }, "listen"},
		{"tiny datagram", func(c *Config) { c.Ingest.DatagramSize = 8 }, "datagram_size"},
		{"zero interval", func(c *Config) { c.Watchdog.Interval = 0 }, "interval"},
		{"bad template", func(c *Config) { c.Watchdog.Body = "{{.Name" }, "body"},
		{"bad driver", func(c *Config) { c.Directory.Driver = "oracle" }, "driver"},
		{"mqtt wildcard", func(c *Config) { c.MQTT.Enabled = true; c.MQTT.IngestTopic = "sensors/#" }, "wildcards"},
		{"influx org", func(c *Config) { c.InfluxDB.Enabled = true }, "org"},
		{"negative max points", func(c *Config) { c.API.MaxPoints = -1 }, "max_points"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kerrucent.yaml")

	t.Setenv("KERRUCENT_TEST_DIR", dir)
	t.Setenv("KERRUCENT_INFLUXDB_TOKEN", "secret")

	content := `
data_dir: ${KERRUCENT_TEST_DIR}/data
logging:
  level: debug
  format: json
ingest:
  listen: 127.0.0.1:5005
  cache_refresh: 5m
watchdog:
  interval: 30s
predictor:
  alpha: 0.01
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != filepath.Join(dir, "data") {
		t.Errorf("data_dir not expanded: %q", cfg.DataDir)
	}
	if cfg.Ingest.CacheRefresh != 5*time.Minute {
		t.Errorf("cache_refresh = %v", cfg.Ingest.CacheRefresh)
	}
	if cfg.Watchdog.Interval != 30*time.Second {
		t.Errorf("watchdog interval = %v", cfg.Watchdog.Interval)
	}
	if cfg.Predictor.Alpha != 0.01 {
		t.Errorf("alpha = %v", cfg.Predictor.Alpha)
	}
	// Untouched keys keep their defaults.
	if cfg.Predictor.Beta != DefaultConfig().Predictor.Beta {
		t.Errorf("beta lost its default: %v", cfg.Predictor.Beta)
	}
	if cfg.InfluxDB.Token != "secret" {
		t.Errorf("env override not applied: %q", cfg.InfluxDB.Token)
	}
	if cfg.Directory.Path != filepath.Join(dir, "data", "kerrucent.db") {
		t.Errorf("directory path = %q", cfg.Directory.Path)
	}
	if cfg.StoresDir() != filepath.Join(dir, "data", "stores") {
		t.Errorf("stores dir = %q", cfg.StoresDir())
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("ingest:\n  datagram_size: 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}

func TestSetDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Export.Dir = "/srv/exports"
	cfg.ResolvePaths()

	cfg.SetDataDir("/data")
	if cfg.Directory.Path != filepath.Join("/data", "kerrucent.db") {
		t.Errorf("derived directory path did not follow: %q", cfg.Directory.Path)
	}
	if cfg.Export.Dir != "/srv/exports" {
		t.Errorf("explicit export dir changed: %q", cfg.Export.Dir)
	}
	if cfg.StoresDir() != filepath.Join("/data", "stores") {
		t.Errorf("stores dir = %q", cfg.StoresDir())
	}
}
