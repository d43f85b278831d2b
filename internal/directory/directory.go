// Package directory knows which probes exist, which hardware id each one
// reports with and who subscribes to its alerts.
//
// The engine consumes it through the ProbeDirectory interface. The SQL
// implementation in this package keeps the tables in SQLite by default, or
// in DuckDB.
package directory

import "context"

// =============================================================================
// Types
// =============================================================================

// ProbeRoute maps the hardware id found in datagrams to a sensor id.
type ProbeRoute struct {
	HardwareID string
	SensorID   string
}

// Subscription lists the alert addresses of one sensor.
type Subscription struct {
	SensorID  string
	Name      string
	Addresses []string
}

// Probe is a registered sensor.
type Probe struct {
	ID         int64   `json:"id"`
	SensorID   string  `json:"sensor_id"`
	Name       string  `json:"name"`
	HardwareID string  `json:"hardware_id"`
	Owner      string  `json:"owner,omitempty"`
	Alpha      float64 `json:"alpha,omitempty"`
	Beta       float64 `json:"beta,omitempty"`
}

// Alert is one subscriber address of a probe.
type Alert struct {
	ID       int64  `json:"id"`
	SensorID string `json:"sensor_id"`
	Address  string `json:"address"`
}

// =============================================================================
// Interface
// =============================================================================

// ProbeDirectory is the read side used by the ingest cache and the watchdog.
type ProbeDirectory interface {
	// ListProbesWithHardwareID returns every probe that has a hardware id.
	ListProbesWithHardwareID(ctx context.Context) ([]ProbeRoute, error)

	// ListProbesWithSubscriptions returns the subscriptions of every probe
	// with at least one alert address. A sensor may appear more than once.
	ListProbesWithSubscriptions(ctx context.Context) ([]Subscription, error)

	// LookupProbe returns the probe with the given sensor id.
	LookupProbe(ctx context.Context, sensorID string) (Probe, error)

	// LookupByHardwareID returns the probe reporting with hwID.
	LookupByHardwareID(ctx context.Context, hwID string) (Probe, error)
}
