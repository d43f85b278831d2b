// Package engine assembles the kerrucentd components from a configuration
// and runs them until shutdown.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moamoak/kerrucent/config"
	kconfig "github.com/moamoak/kerrucent/internal/config"
	"github.com/moamoak/kerrucent/internal/api"
	"github.com/moamoak/kerrucent/internal/directory"
	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/export"
	"github.com/moamoak/kerrucent/internal/influx"
	"github.com/moamoak/kerrucent/internal/ingest"
	"github.com/moamoak/kerrucent/internal/logging"
	"github.com/moamoak/kerrucent/internal/mqtt"
	"github.com/moamoak/kerrucent/internal/notify"
	"github.com/moamoak/kerrucent/internal/rrd"
	"github.com/moamoak/kerrucent/internal/rrd/journal"
	"github.com/moamoak/kerrucent/internal/watchdog"
)

var log = logging.Component("engine")

// Engine owns every running component. Optional components are nil when
// disabled.
type Engine struct {
	cfg *kconfig.Config

	Registry   *rrd.Registry
	Directory  *directory.SQL
	Cache      *ingest.IdentifierCache
	Listener   *ingest.Listener
	Dispatcher *notify.Dispatcher
	Watchdog   *watchdog.Watchdog
	MQTT       *mqtt.Client
	Influx     *influx.Sink
	Analyzer   *export.Analyzer
	API        *api.Server

	// closers run in reverse order on Close.
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

func (e *Engine) onClose(name string, fn func() error) {
	e.closers = append(e.closers, closer{name: name, fn: fn})
}

// New opens the stores and the directory and connects the enabled
// integrations. Nothing is left open when it fails.
func New(ctx context.Context, cfg *kconfig.Config, version string) (*Engine, error) {
	cfg.ResolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{cfg: cfg}
	if err := e.build(ctx, version); err != nil {
		if cerr := e.Close(); cerr != nil {
			log.Warn("cleanup after failed start", "error", cerr)
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(ctx context.Context, version string) error {
	cfg := e.cfg

	// Stores
	opts := rrd.Options{
		Journal: journal.Options{
			MaxSegmentSize: cfg.Storage.Journal.MaxSegmentSize,
			SyncMode:       cfg.Storage.Journal.SyncMode,
		},
		Defaults: predictorDefaults(cfg.Predictor),
	}
	if cfg.Storage.Persist {
		opts.Dir = cfg.StoresDir()
	}
	e.Registry = rrd.NewRegistry(opts)
	if err := e.Registry.Open(ctx); err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	e.onClose("stores", e.Registry.Close)

	// Probe directory
	dcfg := directory.DefaultConfig(cfg.Directory.Path)
	if cfg.Directory.Driver != "" {
		dcfg.Driver = cfg.Directory.Driver
	}
	dir, err := directory.Open(dcfg)
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	e.Directory = dir
	e.onClose("directory", dir.Close)
	if cfg.Directory.Migrate {
		if err := dir.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating directory: %w", err)
		}
	}

	// MQTT
	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT, config.DefaultMQTTConnectTimeout)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		e.MQTT = client
		e.onClose("mqtt", client.Close)
	}

	// InfluxDB mirror
	var sinks []ingest.SampleSink
	if cfg.InfluxDB.Enabled {
		sink, err := influx.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		e.Influx = sink
		e.onClose("influxdb", sink.Close)
		sinks = append(sinks, sink)
	}

	// Ingest
	e.Cache = ingest.NewIdentifierCache(dir, cfg.Ingest.CacheRefreshTimeout)
	e.Listener = ingest.NewListener(ingest.Options{
		Addr:         cfg.Ingest.Listen,
		DatagramSize: cfg.Ingest.DatagramSize,
		QueueSize:    cfg.Ingest.QueueSize,
	}, e.Cache, e.Registry, sinks...)

	if e.MQTT != nil && cfg.MQTT.IngestTopic != "" {
		if err := e.Listener.SubscribeMQTT(e.MQTT, cfg.MQTT.IngestTopic, byte(cfg.MQTT.QoS)); err != nil {
			return fmt.Errorf("subscribing to %s: %w", cfg.MQTT.IngestTopic, err)
		}
	}

	// Notification
	e.Dispatcher = notify.NewDispatcher()
	e.Dispatcher.Register("mailto", notify.NewMailer(cfg.Notify.SMTP, cfg.Notify.Timeout))
	e.Dispatcher.Register("snmp", notify.NewTrapSender(cfg.Notify.SNMP, cfg.Notify.Timeout))
	if e.MQTT != nil {
		e.Dispatcher.Register("mqtt", notify.NewMQTTNotifier(e.MQTT, byte(cfg.MQTT.QoS)))
	}

	if cfg.Watchdog.Enabled {
		wd, err := watchdog.New(watchdog.Options{
			Interval: cfg.Watchdog.Interval,
			Window:   cfg.Watchdog.Window,
			Subject:  cfg.Watchdog.Subject,
			Body:     cfg.Watchdog.Body,
		}, dir, e.Registry, e.Dispatcher)
		if err != nil {
			return err
		}
		e.Watchdog = wd
	}

	// Exports
	analyzer, err := export.NewAnalyzer(cfg.Export.Dir, cfg.Export.MemoryLimit)
	if err != nil {
		return fmt.Errorf("opening export analyzer: %w", err)
	}
	e.Analyzer = analyzer
	e.onClose("analyzer", analyzer.Close)

	// API
	if cfg.API.Listen != "" {
		srv, err := api.New(api.Deps{
			Config:     cfg.API,
			Registry:   e.Registry,
			Cache:      e.Cache,
			Listener:   e.Listener,
			Watchdog:   e.Watchdog,
			Dispatcher: e.Dispatcher,
			Directory:  dir,
			Writer:     export.NewWriter(export.CompressionZstd),
			Analyzer:   analyzer,
			ExportDir:  cfg.Export.Dir,
			Version:    version,
		})
		if err != nil {
			return err
		}
		e.API = srv
	}
	return nil
}

func predictorDefaults(c kconfig.PredictorConfig) rrd.PredictorParams {
	step := c.Step
	if step <= 0 {
		step = config.DefaultStep
	}
	p := rrd.DefaultPredictorParams(step)
	if c.Alpha != 0 {
		p.Alpha = c.Alpha
	}
	if c.Beta != 0 {
		p.Beta = c.Beta
	}
	if c.Period != 0 {
		p.Period = c.Period
	}
	if c.FailureThreshold != 0 {
		p.FailureThreshold = c.FailureThreshold
	}
	if c.FailureWindow != 0 {
		p.FailureWindow = c.FailureWindow
	}
	return p
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Components are closed before it returns.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	syncInterval := e.cfg.Storage.Journal.SyncInterval
	if syncInterval <= 0 {
		syncInterval = config.DefaultJournalSyncInterval
	}
	g.Go(func() error {
		return e.Registry.Run(ctx, syncInterval, e.cfg.Storage.CheckpointInterval)
	})
	g.Go(func() error {
		return e.Cache.Run(ctx, e.cfg.Ingest.CacheRefresh)
	})
	g.Go(func() error {
		return e.Listener.Run(ctx)
	})
	if e.Watchdog != nil {
		g.Go(func() error {
			return e.Watchdog.Run(ctx)
		})
	}
	if e.API != nil {
		g.Go(func() error {
			return e.API.Run(ctx)
		})
	}

	log.Info("engine started",
		"stores", len(e.Registry.List()),
		"ingest", e.cfg.Ingest.Listen,
		"api", e.cfg.API.Listen,
		"watchdog", e.Watchdog != nil,
		"mqtt", e.MQTT != nil,
		"influxdb", e.Influx != nil)

	err := g.Wait()
	start := time.Now()
	if cerr := e.Close(); cerr != nil && err == nil {
		err = cerr
	}
	log.Info("engine stopped", "duration", time.Since(start))
	return err
}

// HealthCheck pings the directory and the connected integrations.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.Directory.Health(ctx); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if e.MQTT != nil && !e.MQTT.IsConnected() {
		return fmt.Errorf("mqtt: %w", mqtt.ErrNotConnected)
	}
	if e.Influx != nil {
		if err := e.Influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// Close releases every component in reverse start order. It is safe to
// call more than once.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		c := e.closers[i]
		if err := c.fn(); err != nil {
			log.Error("close failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}
