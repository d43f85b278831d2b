// Package client is a Go client for the kerrucent HTTP API.
//
// Unknown readings decode as nil pointers. API errors unwrap to the
// matching sentinel of internal/errors, so callers can use
// errors.IsNotFound and friends on them.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/moamoak/kerrucent/config"
	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrTimeout     = errors.New("request timeout")
	ErrBadResponse = errors.New("bad response")
)

// APIError is an error answered by the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Unwrap returns the sentinel error of the code.
func (e *APIError) Unwrap() error {
	for _, code := range []int32{
		errors.CodeInvalidRequest,
		errors.CodeNotFound,
		errors.CodeAlreadyExists,
		errors.CodeInvalidRange,
		errors.CodeOutOfOrder,
		errors.CodeUnavailable,
	} {
		if errors.CodeName(code) == e.Code {
			return errors.CodeToError(code)
		}
	}
	return errors.ErrInternal
}

// =============================================================================
// Client
// =============================================================================

// Config holds client configuration.
type Config struct {
	// Addr is host:port or a base URL of the API.
	Addr           string
	RequestTimeout time.Duration

	// HTTPClient overrides the default transport.
	HTTPClient *http.Client
}

// DefaultConfig returns default client configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:           config.DefaultAPIListen,
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to one kerrucent server.
type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
}

// New creates a new client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	base := strings.TrimRight(cfg.Addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: base + "/api/v1", timeout: timeout, http: hc}
}

// BaseURL returns the API root URL.
func (c *Client) BaseURL() string {
	return c.base
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s %s", ErrTimeout, method, path)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
			return fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

// =============================================================================
// Types
// =============================================================================

// Readings maps channel names to values. Unknown readings are nil.
type Readings map[string]*float64

// Values converts to rrd.Values.
func (r Readings) Values() rrd.Values {
	v := rrd.UnknownValues()
	for _, c := range rrd.Channels {
		if p := r[c.String()]; p != nil {
			v[c] = *p
		}
	}
	return v
}

// ReadingsOf converts rrd.Values, leaving unknown readings out.
func ReadingsOf(v rrd.Values) Readings {
	out := make(Readings, rrd.NumChannels)
	for _, c := range rrd.Channels {
		if !rrd.IsUnknown(v[c]) {
			f := v[c]
			out[c.String()] = &f
		}
	}
	return out
}

// Row is one row of a series.
type Row struct {
	Timestamp int64    `json:"timestamp"`
	Values    Readings `json:"values"`
}

// Series is a queried range of a store.
type Series struct {
	SensorID string `json:"sensor_id"`
	Step     int64  `json:"step"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
	Rows     []Row  `json:"rows"`
}

// Failure is a failed row.
type Failure struct {
	Timestamp int64    `json:"timestamp"`
	Channels  []string `json:"channels"`
}

// ChannelSummary aggregates one channel.
type ChannelSummary struct {
	Channel string   `json:"channel"`
	Known   int      `json:"known"`
	Unknown int      `json:"unknown"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	Average *float64 `json:"average"`
	Last    *float64 `json:"last"`
	P95     *float64 `json:"p95"`
}

// Summary aggregates every channel of a range.
type Summary struct {
	SensorID string           `json:"sensor_id"`
	Step     int64            `json:"step"`
	Start    int64            `json:"start"`
	End      int64            `json:"end"`
	Channels []ChannelSummary `json:"channels"`
}

// Forecast is a predicted sample.
type Forecast struct {
	SensorID  string   `json:"sensor_id"`
	Timestamp int64    `json:"timestamp"`
	Values    Readings `json:"values"`
}

// Export describes a written export file.
type Export struct {
	SensorID string `json:"sensor_id"`
	Path     string `json:"path"`
	Rows     int64  `json:"rows"`
	Step     int64  `json:"step"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// ExportChannelStats aggregates the exported rows of one channel.
type ExportChannelStats struct {
	Channel string   `json:"channel"`
	Count   int64    `json:"count"`
	Min     *float64 `json:"min"`
	Max     *float64 `json:"max"`
	Avg     *float64 `json:"avg"`
}

// Health is the server health.
type Health struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    int64  `json:"uptime_seconds"`
	Stores    int    `json:"stores"`
	Directory string `json:"directory"`
}

// Probe is a registered sensor.
type Probe struct {
	ID         int64   `json:"id,omitempty"`
	SensorID   string  `json:"sensor_id"`
	Name       string  `json:"name,omitempty"`
	HardwareID string  `json:"hardware_id,omitempty"`
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

// Range selects rows of a store. Zero End means now and zero Start one
// hour before End.
type Range struct {
	Start      int64
	End        int64
	Resolution int64
	MaxPoints  int
}

func (r Range) query() url.Values {
	q := url.Values{}
	if r.Start != 0 {
		q.Set("start", strconv.FormatInt(r.Start, 10))
	}
	if r.End != 0 {
		q.Set("end", strconv.FormatInt(r.End, 10))
	}
	if r.Resolution > 0 {
		q.Set("resolution", strconv.FormatInt(r.Resolution, 10))
	}
	if r.MaxPoints > 0 {
		q.Set("max_points", strconv.Itoa(r.MaxPoints))
	}
	return q
}

func storePath(id string, parts ...string) string {
	p := "/stores/" + url.PathEscape(id)
	for _, s := range parts {
		p += "/" + s
	}
	return p
}

// =============================================================================
// Stores
// =============================================================================

// ListStores returns every store.
func (c *Client) ListStores(ctx context.Context) ([]rrd.StoreInfo, error) {
	var out struct {
		Stores []rrd.StoreInfo `json:"stores"`
	}
	if err := c.do(ctx, http.MethodGet, "/stores/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Stores, nil
}

// CreateStore provisions a store.
func (c *Client) CreateStore(ctx context.Context, id string, o rrd.CreateOptions) (rrd.StoreInfo, error) {
	in := struct {
		SensorID   string  `json:"sensor_id"`
		Start      int64   `json:"start,omitempty"`
		Step       int64   `json:"step,omitempty"`
		Alpha      float64 `json:"alpha,omitempty"`
		Beta       float64 `json:"beta,omitempty"`
		Period     int64   `json:"period,omitempty"`
		HardwareID string  `json:"hardware_id,omitempty"`
	}{id, o.Start, o.Step, o.Alpha, o.Beta, o.Period, o.HardwareID}

	var info rrd.StoreInfo
	err := c.do(ctx, http.MethodPost, "/stores/", nil, in, &info)
	return info, err
}

// GetStore returns the metadata of a store.
func (c *Client) GetStore(ctx context.Context, id string) (rrd.StoreInfo, error) {
	var info rrd.StoreInfo
	err := c.do(ctx, http.MethodGet, storePath(id), nil, nil, &info)
	return info, err
}

// DeleteStore removes a store.
func (c *Client) DeleteStore(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, storePath(id), nil, nil, nil)
}

// Tune replaces the smoothing constants of a store. A zero constant keeps
// its current value.
func (c *Client) Tune(ctx context.Context, id string, alpha, beta float64) (rrd.StoreInfo, error) {
	in := struct {
		Alpha float64 `json:"alpha,omitempty"`
		Beta  float64 `json:"beta,omitempty"`
	}{alpha, beta}
	var info rrd.StoreInfo
	err := c.do(ctx, http.MethodPut, storePath(id, "tune"), nil, in, &info)
	return info, err
}

// Append records a sample. Zero ts means now on the server.
func (c *Client) Append(ctx context.Context, id string, ts int64, v rrd.Values) error {
	in := struct {
		Timestamp int64    `json:"timestamp,omitempty"`
		Values    Readings `json:"values"`
	}{ts, ReadingsOf(v)}
	return c.do(ctx, http.MethodPost, storePath(id, "samples"), nil, in, nil)
}

// Series queries rows of a store.
func (c *Client) Series(ctx context.Context, id string, r Range) (*Series, error) {
	var out Series
	if err := c.do(ctx, http.MethodGet, storePath(id, "series"), r.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Failures lists failed rows of a store.
func (c *Client) Failures(ctx context.Context, id string, r Range) ([]Failure, error) {
	var out struct {
		Failures []Failure `json:"failures"`
	}
	if err := c.do(ctx, http.MethodGet, storePath(id, "failures"), r.query(), nil, &out); err != nil {
		return nil, err
	}
	return out.Failures, nil
}

// Summary aggregates a range of a store.
func (c *Client) Summary(ctx context.Context, id string, r Range) (*Summary, error) {
	var out Summary
	if err := c.do(ctx, http.MethodGet, storePath(id, "summary"), r.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Forecast returns the predicted readings at ts. Zero ts means now.
func (c *Client) Forecast(ctx context.Context, id string, ts int64) (*Forecast, error) {
	q := url.Values{}
	if ts != 0 {
		q.Set("ts", strconv.FormatInt(ts, 10))
	}
	var out Forecast
	if err := c.do(ctx, http.MethodGet, storePath(id, "forecast"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Export writes a range of a store to a Parquet file on the server.
func (c *Client) Export(ctx context.Context, id string, r Range) (*Export, error) {
	var out Export
	if err := c.do(ctx, http.MethodPost, storePath(id, "export"), r.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// System
// =============================================================================

// Health returns the server health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the component statistics, keyed by component.
func (c *Client) Stats(ctx context.Context) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RefreshCache rebuilds the hardware id cache and returns the route count.
func (c *Client) RefreshCache(ctx context.Context) (int, error) {
	var out struct {
		Routes int `json:"routes"`
	}
	if err := c.do(ctx, http.MethodPost, "/cache/refresh", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Routes, nil
}

// ExportQuery runs SQL over the exported files.
func (c *Client) ExportQuery(ctx context.Context, q string) ([]map[string]any, error) {
	var out struct {
		Rows []map[string]any `json:"rows"`
	}
	if err := c.do(ctx, http.MethodPost, "/exports/query", nil, map[string]string{"query": q}, &out); err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// ExportStats aggregates the exported rows of a sensor.
func (c *Client) ExportStats(ctx context.Context, id string) ([]ExportChannelStats, error) {
	var out struct {
		Channels []ExportChannelStats `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/exports/"+url.PathEscape(id)+"/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

// =============================================================================
// Directory
// =============================================================================

// ListProbes returns every probe.
func (c *Client) ListProbes(ctx context.Context) ([]Probe, error) {
	var out struct {
		Probes []Probe `json:"probes"`
	}
	if err := c.do(ctx, http.MethodGet, "/probes/", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Probes, nil
}

// CreateProbe registers a probe.
func (c *Client) CreateProbe(ctx context.Context, p Probe) (Probe, error) {
	var out Probe
	err := c.do(ctx, http.MethodPost, "/probes/", nil, p, &out)
	return out, err
}

// DeleteProbe removes a probe and its alerts.
func (c *Client) DeleteProbe(ctx context.Context, sensorID string) error {
	return c.do(ctx, http.MethodDelete, "/probes/"+url.PathEscape(sensorID), nil, nil, nil)
}

// ListAlerts returns the alerts, of one sensor when sensorID is set.
func (c *Client) ListAlerts(ctx context.Context, sensorID string) ([]Alert, error) {
	q := url.Values{}
	if sensorID != "" {
		q.Set("sensor_id", sensorID)
	}
	var out struct {
		Alerts []Alert `json:"alerts"`
	}
	if err := c.do(ctx, http.MethodGet, "/alerts/", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}

// AddAlert subscribes address to the alerts of sensorID.
func (c *Client) AddAlert(ctx context.Context, sensorID, address string) (Alert, error) {
	var out Alert
	err := c.do(ctx, http.MethodPost, "/alerts/", nil, map[string]string{"sensor_id": sensorID, "address": address}, &out)
	return out, err
}

// RemoveAlert deletes an alert.
func (c *Client) RemoveAlert(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/alerts/"+strconv.FormatInt(id, 10), nil, nil, nil)
}
