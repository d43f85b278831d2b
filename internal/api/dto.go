package api

import (
	"math"
	"strconv"

	"github.com/moamoak/kerrucent/internal/export"
	"github.com/moamoak/kerrucent/internal/rrd"
)

// Number is a reading that encodes unknown as null.
type Number float64

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	f := float64(n)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*n = Number(rrd.Unknown())
		return nil
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// ChannelValues maps channel names to readings.
type ChannelValues map[string]Number

func channelValues(v rrd.Values) ChannelValues {
	out := make(ChannelValues, rrd.NumChannels)
	for _, c := range rrd.Channels {
		out[c.String()] = Number(v[c])
	}
	return out
}

// values converts to a Values. Missing channels are unknown.
func (cv ChannelValues) values() (rrd.Values, error) {
	v := rrd.UnknownValues()
	for name, n := range cv {
		c, err := rrd.ParseChannel(name)
		if err != nil {
			return v, err
		}
		v[c] = float64(n)
	}
	return v, nil
}

// =============================================================================
// Stores
// =============================================================================

type createStoreRequest struct {
	SensorID   string  `json:"sensor_id"`
	Start      int64   `json:"start,omitempty"`
	Step       int64   `json:"step,omitempty"`
	Alpha      float64 `json:"alpha,omitempty"`
	Beta       float64 `json:"beta,omitempty"`
	Period     int64   `json:"period,omitempty"`
	HardwareID string  `json:"hardware_id,omitempty"`
}

// tuneRequest replaces the smoothing constants. A zero or omitted field
// keeps the current value.
type tuneRequest struct {
	Alpha float64 `json:"alpha,omitempty"`
	Beta  float64 `json:"beta,omitempty"`
}

type appendRequest struct {
	Timestamp int64         `json:"timestamp"`
	Values    ChannelValues `json:"values"`
}

type storeListResponse struct {
	Stores []rrd.StoreInfo `json:"stores"`
	Count  int             `json:"count"`
}

// SeriesRow is one row of a series response.
type SeriesRow struct {
	Timestamp int64         `json:"timestamp"`
	Values    ChannelValues `json:"values"`
}

// SeriesResponse is a queried series.
type SeriesResponse struct {
	SensorID string      `json:"sensor_id"`
	Step     int64       `json:"step"`
	Start    int64       `json:"start"`
	End      int64       `json:"end"`
	Rows     []SeriesRow `json:"rows"`
}

func seriesResponse(s *rrd.Series) SeriesResponse {
	out := SeriesResponse{
		SensorID: s.SensorID,
		Step:     s.Step,
		Start:    s.Start,
		End:      s.End(),
		Rows:     make([]SeriesRow, 0, s.Len()),
	}
	for ts, v := range s.All() {
		out.Rows = append(out.Rows, SeriesRow{Timestamp: ts, Values: channelValues(v)})
	}
	return out
}

// FailureResponse is one failed row.
type FailureResponse struct {
	Timestamp int64    `json:"timestamp"`
	Channels  []string `json:"channels"`
}

type failureListResponse struct {
	Failures []FailureResponse `json:"failures"`
	Count    int               `json:"count"`
}

func failureResponse(ev rrd.FailureEvent) FailureResponse {
	out := FailureResponse{Timestamp: ev.Timestamp, Channels: []string{}}
	for _, c := range ev.Channels.Channels() {
		out.Channels = append(out.Channels, c.String())
	}
	return out
}

// ChannelSummaryResponse aggregates one channel.
type ChannelSummaryResponse struct {
	Channel string `json:"channel"`
	Known   int    `json:"known"`
	Unknown int    `json:"unknown"`
	Min     Number `json:"min"`
	Max     Number `json:"max"`
	Average Number `json:"average"`
	Last    Number `json:"last"`
	P95     Number `json:"p95"`
}

// SummaryResponse aggregates every channel of a range.
type SummaryResponse struct {
	SensorID string                   `json:"sensor_id"`
	Step     int64                    `json:"step"`
	Start    int64                    `json:"start"`
	End      int64                    `json:"end"`
	Channels []ChannelSummaryResponse `json:"channels"`
}

func summaryResponse(s rrd.Summary) SummaryResponse {
	out := SummaryResponse{SensorID: s.SensorID, Step: s.Step, Start: s.Start, End: s.End}
	for _, cs := range s.Channels {
		out.Channels = append(out.Channels, ChannelSummaryResponse{
			Channel: cs.Channel,
			Known:   cs.Known,
			Unknown: cs.Unknown,
			Min:     Number(cs.Min),
			Max:     Number(cs.Max),
			Average: Number(cs.Average),
			Last:    Number(cs.Last),
			P95:     Number(cs.P95),
		})
	}
	return out
}

type forecastResponse struct {
	SensorID  string        `json:"sensor_id"`
	Timestamp int64         `json:"timestamp"`
	Values    ChannelValues `json:"values"`
}

// ExportResponse describes a written export file.
type ExportResponse struct {
	SensorID string `json:"sensor_id"`
	Path     string `json:"path"`
	Rows     int64  `json:"rows"`
	Step     int64  `json:"step"`
	Start    int64  `json:"start"`
	End      int64  `json:"end"`
}

// =============================================================================
// Exports
// =============================================================================

type exportQueryRequest struct {
	Query string `json:"query"`
}

type exportQueryResponse struct {
	Rows  []map[string]any `json:"rows"`
	Count int              `json:"count"`
}

// ExportChannelStats aggregates the exported rows of one channel.
type ExportChannelStats struct {
	Channel string `json:"channel"`
	Count   int64  `json:"count"`
	Min     Number `json:"min"`
	Max     Number `json:"max"`
	Avg     Number `json:"avg"`
}

type exportStatsResponse struct {
	SensorID string               `json:"sensor_id"`
	Channels []ExportChannelStats `json:"channels"`
}

func exportStats(sensorID string, stats []export.ChannelStats) exportStatsResponse {
	out := exportStatsResponse{SensorID: sensorID, Channels: make([]ExportChannelStats, 0, len(stats))}
	for _, cs := range stats {
		out.Channels = append(out.Channels, ExportChannelStats{
			Channel: cs.Channel,
			Count:   cs.Count,
			Min:     Number(cs.Min),
			Max:     Number(cs.Max),
			Avg:     Number(cs.Avg),
		})
	}
	return out
}

// sanitizeRow turns NaN floats of a DuckDB row into nulls.
func sanitizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		if f, ok := v.(float64); ok {
			row[k] = Number(f)
		}
	}
	return row
}

// =============================================================================
// Directory
// =============================================================================

type alertRequest struct {
	SensorID string `json:"sensor_id"`
	Address  string `json:"address"`
}
