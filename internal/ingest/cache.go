package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/moamoak/kerrucent/config"
	"github.com/moamoak/kerrucent/internal/directory"
)

// RouteSource lists the hardware id to sensor id routes.
type RouteSource interface {
	ListProbesWithHardwareID(ctx context.Context) ([]directory.ProbeRoute, error)
}

// Routes is one immutable generation of the hardware id map.
type Routes struct {
	byHardwareID map[string]string
	generation   uint64
	builtAt      time.Time
}

// Lookup returns the sensor id of hwID.
func (r *Routes) Lookup(hwID string) (string, bool) {
	id, ok := r.byHardwareID[hwID]
	return id, ok
}

// Len returns the number of routes.
func (r *Routes) Len() int {
	return len(r.byHardwareID)
}

// Generation counts successful rebuilds. The empty initial map is zero.
func (r *Routes) Generation() uint64 {
	return r.generation
}

// BuiltAt returns when the generation was published.
func (r *Routes) BuiltAt() time.Time {
	return r.builtAt
}

// IdentifierCache publishes the hardware id map atomically. Readers never
// see a partially built generation.
type IdentifierCache struct {
	source  RouteSource
	timeout time.Duration

	current atomic.Pointer[Routes]
	group   singleflight.Group

	refreshes atomic.Int64
	failures  atomic.Int64
}

// NewIdentifierCache returns an empty cache fed by source.
func NewIdentifierCache(source RouteSource, timeout time.Duration) *IdentifierCache {
	if timeout <= 0 {
		timeout = config.DefaultCacheRefreshTimeout
	}
	c := &IdentifierCache{source: source, timeout: timeout}
	c.current.Store(&Routes{byHardwareID: map[string]string{}})
	return c
}

// Snapshot returns the current generation.
func (c *IdentifierCache) Snapshot() *Routes {
	return c.current.Load()
}

// Lookup resolves hwID in the current generation.
func (c *IdentifierCache) Lookup(hwID string) (string, bool) {
	return c.current.Load().Lookup(hwID)
}

// Refresh rebuilds the map from the source. Concurrent calls share one
// rebuild. The previous generation stays in place when the rebuild fails.
func (c *IdentifierCache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		return nil, c.rebuild(ctx)
	})
	return err
}

func (c *IdentifierCache) rebuild(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	routes, err := c.source.ListProbesWithHardwareID(ctx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("list probes: %w", err)
	}

	next := make(map[string]string, len(routes))
	for _, r := range routes {
		if prev, dup := next[r.HardwareID]; dup {
			log.Warn("duplicate hardware id, keeping first probe",
				"hardware_id", r.HardwareID, "sensor_id", prev, "ignored", r.SensorID)
			continue
		}
		next[r.HardwareID] = r.SensorID
	}

	prev := c.current.Load()
	c.current.Store(&Routes{
		byHardwareID: next,
		generation:   prev.generation + 1,
		builtAt:      time.Now(),
	})
	c.refreshes.Add(1)

	log.Debug("identifier cache refreshed", "routes", len(next), "generation", prev.generation+1)
	return nil
}

// Run refreshes once, then every interval until ctx is done. Failed
// refreshes are logged; the last good generation keeps serving.
func (c *IdentifierCache) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = config.DefaultCacheRefresh
	}

	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		log.Error("identifier cache refresh failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				log.Error("identifier cache refresh failed", "error", err)
			}
		}
	}
}

// CacheStats holds cache statistics.
type CacheStats struct {
	Routes     int    `json:"routes"`
	Generation uint64 `json:"generation"`
	Refreshes  int64  `json:"refreshes"`
	Failures   int64  `json:"failures"`
}

// Stats returns cache statistics.
func (c *IdentifierCache) Stats() CacheStats {
	r := c.current.Load()
	return CacheStats{
		Routes:     r.Len(),
		Generation: r.generation,
		Refreshes:  c.refreshes.Load(),
		Failures:   c.failures.Load(),
	}
}
