package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"text/template"

	"github.com/moamoak/kerrucent/internal/logging"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging: format must be text or json, got %q", c.Logging.Format))
	}

	if err := c.Storage.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := c.Predictor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("predictor: %w", err))
	}
	if err := c.Ingest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if err := c.Watchdog.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("watchdog: %w", err))
	}
	if err := c.Directory.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("directory: %w", err))
	}
	if c.MQTT.Enabled {
		if err := c.MQTT.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if c.InfluxDB.Enabled {
		if err := c.InfluxDB.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	if c.API.Listen != "" {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			errs = append(errs, fmt.Errorf("api: listen: %w", err))
		}
	}
	if c.API.MaxPoints < 0 {
		errs = append(errs, errors.New("api: max_points must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the storage configuration.
func (c *StorageConfig) Validate() error {
	var errs []error

	if c.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("checkpoint_interval must be positive"))
	}

	switch c.Journal.SyncMode {
	case "async", "sync", "fsync":
	default:
		errs = append(errs, fmt.Errorf("journal: invalid sync_mode: %s (must be async, sync, or fsync)", c.Journal.SyncMode))
	}

	if c.Journal.SyncMode == "async" && c.Journal.SyncInterval <= 0 {
		errs = append(errs, errors.New("journal: sync_interval must be positive in async mode"))
	}

	if c.Journal.MaxSegmentSize < 4096 {
		errs = append(errs, errors.New("journal: max_segment_size must be at least 4096"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the predictor defaults.
func (c *PredictorConfig) Validate() error {
	var errs []error

	if c.Step <= 0 {
		errs = append(errs, errors.New("step must be positive"))
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		errs = append(errs, errors.New("alpha must be in (0,1)"))
	}
	if c.Beta <= 0 || c.Beta >= 1 {
		errs = append(errs, errors.New("beta must be in (0,1)"))
	}
	if c.Step > 0 && (c.Period < c.Step || c.Period%c.Step != 0) {
		errs = append(errs, errors.New("period must be a positive multiple of step"))
	}
	if c.FailureWindow < 1 || c.FailureWindow > 64 {
		errs = append(errs, errors.New("failure_window must be between 1 and 64"))
	}
	if c.FailureThreshold < 1 || c.FailureThreshold > c.FailureWindow {
		errs = append(errs, errors.New("failure_threshold must be between 1 and failure_window"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the ingest configuration.
func (c *IngestConfig) Validate() error {
	var errs []error

	if c.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Listen); err != nil {
			errs = append(errs, fmt.Errorf("listen: %w", err))
		}
	}
	if c.DatagramSize < 64 {
		errs = append(errs, errors.New("datagram_size must be at least 64"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	if c.CacheRefresh <= 0 {
		errs = append(errs, errors.New("cache_refresh must be positive"))
	}
	if c.CacheRefreshTimeout <= 0 {
		errs = append(errs, errors.New("cache_refresh_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the watchdog configuration.
func (c *WatchdogConfig) Validate() error {
	var errs []error

	if c.Interval <= 0 {
		errs = append(errs, errors.New("interval must be positive"))
	}
	if c.Window <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	if _, err := template.New("body").Parse(c.Body); err != nil {
		errs = append(errs, fmt.Errorf("body: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the directory configuration.
func (c *DirectoryConfig) Validate() error {
	switch c.Driver {
	case "sqlite3", "duckdb":
		return nil
	default:
		return fmt.Errorf("invalid driver: %s (must be sqlite3 or duckdb)", c.Driver)
	}
}

// Validate checks the MQTT configuration.
func (c *MQTTConfig) Validate() error {
	var errs []error

	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker.host is required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, errors.New("broker.port must be between 1 and 65535"))
	}
	if c.QoS < 0 || c.QoS > 2 {
		errs = append(errs, errors.New("qos must be 0, 1 or 2"))
	}
	if strings.ContainsAny(c.IngestTopic, "#+") {
		errs = append(errs, errors.New("ingest_topic must not contain wildcards"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the InfluxDB configuration.
func (c *InfluxDBConfig) Validate() error {
	var errs []error

	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Org == "" {
		errs = append(errs, errors.New("org is required"))
	}
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
