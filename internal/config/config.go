// Package config loads and validates the kerrucentd configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moamoak/kerrucent/config"
)

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for store archives and the default
	// location of the probe directory database and exports.
	DataDir string `yaml:"data_dir"`

	Logging   LoggingConfig   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Predictor PredictorConfig `yaml:"predictor"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Directory DirectoryConfig `yaml:"directory"`
	Notify    NotifyConfig    `yaml:"notify"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	API       APIConfig       `yaml:"api"`
	Export    ExportConfig    `yaml:"export"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// StorageConfig configures store persistence.
type StorageConfig struct {
	// Persist enables on-disk stores under {DataDir}/stores.
	Persist bool `yaml:"persist"`

	// CheckpointInterval is how often snapshots are rewritten.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// Journal configures the per-store append journal.
	Journal JournalConfig `yaml:"journal"`
}

// JournalConfig configures the per-store append journal.
type JournalConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the flush interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// PredictorConfig holds the defaults applied to stores created without
// explicit parameters.
type PredictorConfig struct {
	Step             int64   `yaml:"step"`
	Alpha            float64 `yaml:"alpha"`
	Beta             float64 `yaml:"beta"`
	Period           int64   `yaml:"period"`
	FailureThreshold int     `yaml:"failure_threshold"`
	FailureWindow    int     `yaml:"failure_window"`
}

// IngestConfig configures the datagram listener and the identifier cache.
type IngestConfig struct {
	// Listen is the UDP listen address. Empty disables the listener.
	Listen string `yaml:"listen"`

	DatagramSize        int           `yaml:"datagram_size"`
	QueueSize           int           `yaml:"queue_size"`
	CacheRefresh        time.Duration `yaml:"cache_refresh"`
	CacheRefreshTimeout time.Duration `yaml:"cache_refresh_timeout"`
}

// WatchdogConfig configures the failure sweep.
type WatchdogConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Window   time.Duration `yaml:"window"`

	// Subject and Body make up the alert message. Body is a text/template.
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// DirectoryConfig configures the SQL probe directory.
type DirectoryConfig struct {
	// Driver is sqlite3 or duckdb.
	Driver string `yaml:"driver"`

	// Path is the database file. Defaults to {DataDir}/kerrucent.db.
	Path string `yaml:"path"`

	// Migrate creates the schema at startup when missing.
	Migrate bool `yaml:"migrate"`
}

// NotifyConfig configures alert delivery.
type NotifyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	SMTP    SMTPConfig    `yaml:"smtp"`
	SNMP    SNMPConfig    `yaml:"snmp"`
}

// SMTPConfig configures mail delivery.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SNMPConfig configures SNMP trap delivery.
type SNMPConfig struct {
	Community string `yaml:"community"`
	TrapOID   string `yaml:"trap_oid"`
}

// MQTTConfig configures the MQTT broker connection.
type MQTTConfig struct {
	Enabled bool             `yaml:"enabled"`
	Broker  MQTTBrokerConfig `yaml:"broker"`
	Auth    MQTTAuthConfig   `yaml:"auth"`
	QoS     int              `yaml:"qos"`

	// IngestTopic, when set, feeds payloads published there to the listener.
	IngestTopic string `yaml:"ingest_topic"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InfluxDBConfig configures the accepted sample mirror.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig configures the HTTP admin and query API.
type APIConfig struct {
	// Listen is the HTTP listen address. Empty disables the API.
	Listen       string        `yaml:"listen"`
	MaxPoints    int           `yaml:"max_points"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ExportConfig configures Parquet exports and the DuckDB analyzer.
type ExportConfig struct {
	// Dir receives exported files. Defaults to {DataDir}/export.
	Dir         string `yaml:"dir"`
	MemoryLimit string `yaml:"memory_limit"`
}

// Load loads configuration from a YAML file.
//
// ${VAR} references are expanded from the environment before parsing, and
// KERRUCENT_* variables override secrets afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.ResolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// String renders the configuration as YAML.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KERRUCENT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KERRUCENT_SMTP_PASSWORD"); v != "" {
		c.Notify.SMTP.Password = v
	}
	if v := os.Getenv("KERRUCENT_MQTT_PASSWORD"); v != "" {
		c.MQTT.Auth.Password = v
	}
	if v := os.Getenv("KERRUCENT_INFLUXDB_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}
}

// ResolvePaths fills paths that default relative to DataDir. It is idempotent.
func (c *Config) ResolvePaths() {
	if c.Directory.Path == "" {
		c.Directory.Path = filepath.Join(c.DataDir, "kerrucent.db")
	}
	if c.Export.Dir == "" {
		c.Export.Dir = filepath.Join(c.DataDir, "export")
	}
}

// SetDataDir moves DataDir. Paths that were derived from the previous
// DataDir follow it.
func (c *Config) SetDataDir(dir string) {
	if c.Directory.Path == filepath.Join(c.DataDir, "kerrucent.db") {
		c.Directory.Path = ""
	}
	if c.Export.Dir == filepath.Join(c.DataDir, "export") {
		c.Export.Dir = ""
	}
	c.DataDir = dir
	c.ResolvePaths()
}

// StoresDir is where persisted stores live.
func (c *Config) StoresDir() string {
	return filepath.Join(c.DataDir, "stores")
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/kerrucent",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Persist:            true,
			CheckpointInterval: config.DefaultCheckpointInterval,
			Journal: JournalConfig{
				SyncMode:       config.DefaultJournalSyncMode,
				SyncInterval:   config.DefaultJournalSyncInterval,
				MaxSegmentSize: config.DefaultJournalMaxSegmentSize,
			},
		},
		Predictor: PredictorConfig{
			Step:             config.DefaultStep,
			Alpha:            config.DefaultAlpha,
			Beta:             config.DefaultBeta,
			Period:           config.DefaultPeriod,
			FailureThreshold: config.DefaultFailureThreshold,
			FailureWindow:    config.DefaultFailureWindow,
		},
		Ingest: IngestConfig{
			Listen:              config.DefaultIngestListen,
			DatagramSize:        config.DefaultDatagramSize,
			QueueSize:           config.DefaultIngestQueueSize,
			CacheRefresh:        config.DefaultCacheRefresh,
			CacheRefreshTimeout: config.DefaultCacheRefreshTimeout,
		},
		Watchdog: WatchdogConfig{
			Enabled:  true,
			Interval: config.DefaultWatchdogInterval,
			Window:   config.DefaultWatchdogWindow,
			Subject:  config.DefaultAlertSubject,
			Body:     config.DefaultAlertBody,
		},
		Directory: DirectoryConfig{
			Driver:  config.DefaultDirectoryDriver,
			Migrate: true,
		},
		Notify: NotifyConfig{
			Timeout: config.DefaultNotifyTimeout,
			SMTP: SMTPConfig{
				Host: config.DefaultSMTPHost,
				Port: config.DefaultSMTPPort,
				From: config.DefaultSMTPFrom,
			},
			SNMP: SNMPConfig{
				Community: config.DefaultSNMPCommunity,
				TrapOID:   config.DefaultSNMPTrapOID,
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "kerrucentd",
			},
			QoS: config.DefaultMQTTQoS,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "kerrucent",
			BatchSize:     config.DefaultInfluxBatchSize,
			FlushInterval: config.DefaultInfluxFlushInterval,
		},
		API: APIConfig{
			Listen:       config.DefaultAPIListen,
			MaxPoints:    config.DefaultMaxPoints,
			ReadTimeout:  config.DefaultReadTimeout,
			WriteTimeout: config.DefaultWriteTimeout,
		},
		Export: ExportConfig{
			MemoryLimit: config.DefaultExportMemoryLimit,
		},
	}
}
