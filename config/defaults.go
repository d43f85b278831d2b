// Package config provides configuration defaults for kerrucent.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables
// referenced from it.
package config

import "time"

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultStep is the finest archive resolution in seconds.
	// Coarser archives use 60, 3600 and 86400 times this step.
	// Override per store at creation.
	DefaultStep = 1

	// DefaultCheckpointInterval is how often store snapshots are rewritten
	// and journals truncated.
	// Override via config: storage.checkpoint_interval
	DefaultCheckpointInterval = time.Hour

	// DefaultJournalSyncMode controls journal durability: async, sync or fsync.
	// Override via config: storage.journal.sync_mode
	DefaultJournalSyncMode = "async"

	// DefaultJournalSyncInterval is the flush interval in async mode.
	// Override via config: storage.journal.sync_interval
	DefaultJournalSyncInterval = time.Second

	// DefaultJournalMaxSegmentSize rotates journal segments past this size.
	// Override via config: storage.journal.max_segment_size
	DefaultJournalMaxSegmentSize = 16 * 1024 * 1024
)

// =============================================================================
// Predictor Defaults
// =============================================================================

const (
	// DefaultAlpha is the level smoothing constant.
	// Override per store at creation or with tune.
	DefaultAlpha = 0.000192522

	// DefaultBeta is the trend smoothing constant.
	// Override per store at creation or with tune.
	DefaultBeta = 0.00000802250

	// DefaultPeriod is the seasonal period in seconds (one day).
	DefaultPeriod = 86400

	// SeasonalGamma is the seasonal smoothing constant. Not configurable.
	SeasonalGamma = 0.1

	// DeviationGamma is the deviation smoothing constant. Not configurable.
	DeviationGamma = 0.0035

	// BandMultiplier is the width of the confidence band in deviations.
	BandMultiplier = 2.0

	// DefaultFailureThreshold is how many violations within the failure
	// window mark a bucket failed.
	// Override via config: predictor.failure_threshold
	DefaultFailureThreshold = 1

	// DefaultFailureWindow is how many recent observations are considered.
	// Range: 1-64
	// Override via config: predictor.failure_window
	DefaultFailureWindow = 1
)

// =============================================================================
// Ingest Defaults
// =============================================================================

const (
	// DefaultIngestListen is the UDP address sensors send datagrams to.
	// Override via config: ingest.listen
	DefaultIngestListen = "0.0.0.0:5005"

	// DefaultDatagramSize is the receive buffer for one datagram.
	// Override via config: ingest.datagram_size
	DefaultDatagramSize = 1024

	// DefaultIngestQueueSize is the capacity of the reader to processor queue.
	// When full, datagrams are dropped and counted.
	// Override via config: ingest.queue_size
	DefaultIngestQueueSize = 4096

	// DefaultCacheRefresh is how often the hardware id cache is rebuilt.
	// Override via config: ingest.cache_refresh
	DefaultCacheRefresh = 15 * time.Minute

	// DefaultCacheRefreshTimeout bounds a single rebuild.
	// Override via config: ingest.cache_refresh_timeout
	DefaultCacheRefreshTimeout = 30 * time.Second
)

// =============================================================================
// Watchdog Defaults
// =============================================================================

const (
	// DefaultWatchdogInterval is the time between two sweeps.
	// Override via config: watchdog.interval
	DefaultWatchdogInterval = 60 * time.Second

	// DefaultWatchdogWindow is how far back a sweep looks for failures.
	// Override via config: watchdog.window
	DefaultWatchdogWindow = time.Minute

	// DefaultAlertSubject is the subject line of alert messages.
	// Override via config: watchdog.subject
	DefaultAlertSubject = "[Kerrucent] Error detected"

	// DefaultAlertBody is the text/template of alert messages.
	// Override via config: watchdog.body
	DefaultAlertBody = "Sensor {{.Name}} reports errors"
)

// =============================================================================
// Notification Defaults
// =============================================================================

const (
	// DefaultSMTPHost is the mail relay.
	// Override via config: notify.smtp.host
	DefaultSMTPHost = "localhost"

	// DefaultSMTPPort is the mail relay port.
	// Override via config: notify.smtp.port
	DefaultSMTPPort = 25

	// DefaultSMTPFrom is the envelope sender.
	// Override via config: notify.smtp.from
	DefaultSMTPFrom = "kerrucent@localhost"

	// DefaultSNMPCommunity is the community string of v2c traps.
	// Override via config: notify.snmp.community
	DefaultSNMPCommunity = "public"

	// DefaultSNMPTrapOID identifies kerrucent alert traps.
	// Override via config: notify.snmp.trap_oid
	DefaultSNMPTrapOID = ".1.3.6.1.4.1.55555.1.0.1"

	// DefaultNotifyTimeout bounds one notification delivery.
	// Override via config: notify.timeout
	DefaultNotifyTimeout = 10 * time.Second
)

// =============================================================================
// Integration Defaults
// =============================================================================

const (
	// DefaultDirectoryDriver is the database/sql driver of the probe directory.
	// Supported: sqlite3, duckdb
	// Override via config: directory.driver
	DefaultDirectoryDriver = "sqlite3"

	// DefaultSQLiteBusyTimeoutMs is passed to SQLite as _busy_timeout.
	DefaultSQLiteBusyTimeoutMs = 5000

	// DefaultMQTTQoS is the QoS level of MQTT publish and subscribe.
	// Override via config: mqtt.qos
	DefaultMQTTQoS = 1

	// DefaultMQTTConnectTimeout bounds the initial broker connection.
	DefaultMQTTConnectTimeout = 10 * time.Second

	// DefaultInfluxBatchSize is the InfluxDB write batch size.
	// Override via config: influxdb.batch_size
	DefaultInfluxBatchSize = 500

	// DefaultInfluxFlushInterval is the InfluxDB flush interval.
	// Override via config: influxdb.flush_interval
	DefaultInfluxFlushInterval = time.Second
)

// =============================================================================
// API Defaults
// =============================================================================

const (
	// DefaultAPIListen is the HTTP admin and query API address.
	// Override via config: api.listen
	DefaultAPIListen = "127.0.0.1:8080"

	// DefaultMaxPoints caps series returned by the API. Zero disables the cap.
	// 1200 is about one point per pixel of a wide chart.
	// Override via config: api.max_points
	DefaultMaxPoints = 1200

	// DefaultReadTimeout is the HTTP server read timeout.
	DefaultReadTimeout = 15 * time.Second

	// DefaultWriteTimeout is the HTTP server write timeout.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultShutdownTimeout bounds graceful shutdown of the HTTP server.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultExportMemoryLimit is the DuckDB memory limit for export queries.
	// Override via config: export.memory_limit
	DefaultExportMemoryLimit = "512MB"
)
