// Package influx mirrors accepted samples to InfluxDB v2.
package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/moamoak/kerrucent/config"
	kconfig "github.com/moamoak/kerrucent/internal/config"
	"github.com/moamoak/kerrucent/internal/logging"
	"github.com/moamoak/kerrucent/internal/rrd"
)

var log = logging.Component("influx")

// Measurement is the point name of mirrored samples.
const Measurement = "kerrucent_sample"

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second
)

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")
)

// Sink writes samples through the non-blocking write API. Points are
// batched by the client and write errors are logged.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI

	mu        sync.RWMutex
	connected bool

	written atomic.Int64
	failed  atomic.Int64
}

// Connect pings the server and returns a sink writing to cfg.Bucket.
func Connect(cfg kconfig.InfluxDBConfig) (*Sink, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = config.DefaultInfluxBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = config.DefaultInfluxFlushInterval
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval/time.Millisecond)),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	s := &Sink{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		connected: true,
	}
	go s.handleWriteErrors(s.writeAPI.Errors())

	log.Info("influxdb mirror connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

func (s *Sink) handleWriteErrors(errs <-chan error) {
	for err := range errs {
		s.failed.Add(1)
		log.Warn("influxdb write failed", "error", err)
	}
}

// samplePoint builds the point of one sample. Unknown readings are left out.
func samplePoint(sensorID, hardwareID string, sample rrd.Sample) *write.Point {
	fields := make(map[string]interface{}, rrd.NumChannels)
	for _, c := range rrd.Channels {
		if v := sample.Values[c]; !rrd.IsUnknown(v) {
			fields[c.String()] = v
		}
	}
	tags := map[string]string{"sensor_id": sensorID}
	if hardwareID != "" {
		tags["hardware_id"] = hardwareID
	}
	return write.NewPoint(Measurement, tags, fields, time.Unix(sample.Timestamp, 0))
}

// WriteSample queues one sample. Samples without a known reading are
// skipped.
func (s *Sink) WriteSample(sensorID, hardwareID string, sample rrd.Sample) {
	if !s.IsConnected() || sample.Values.Known() == 0 {
		return
	}
	s.writeAPI.WritePoint(samplePoint(sensorID, hardwareID, sample))
	s.written.Add(1)
}

// IsConnected returns the last known connection state.
func (s *Sink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// HealthCheck pings the server.
func (s *Sink) HealthCheck(ctx context.Context) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := s.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return errors.New("influxdb health check failed: server not healthy")
	}
	return nil
}

// Stats holds mirror statistics.
type Stats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Stats returns mirror statistics.
func (s *Sink) Stats() Stats {
	return Stats{Written: s.written.Load(), Failed: s.failed.Load()}
}

// Close flushes pending points and closes the client.
func (s *Sink) Close() error {
	if s.client == nil {
		return nil
	}
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.writeAPI.Flush()
	s.client.Close()
	return nil
}
