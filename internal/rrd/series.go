package rrd

import (
	"iter"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// Series is an ordered, finite run of rows copied out of one archive.
type Series struct {
	SensorID string
	Step     int64

	// Start is the timestamp of the first row.
	Start int64

	rows []Values
}

// Len returns the number of rows.
func (s *Series) Len() int {
	return len(s.rows)
}

// End returns the timestamp just past the last row.
func (s *Series) End() int64 {
	return s.Start + int64(len(s.rows))*s.Step
}

// At returns row i.
func (s *Series) At(i int) (int64, Values) {
	return s.Start + int64(i)*s.Step, s.rows[i]
}

// All yields every row with its timestamp, oldest first.
func (s *Series) All() iter.Seq2[int64, Values] {
	return func(yield func(int64, Values) bool) {
		for i, v := range s.rows {
			if !yield(s.Start+int64(i)*s.Step, v) {
				return
			}
		}
	}
}

// Channel yields the readings of one channel.
func (s *Series) Channel(c Channel) iter.Seq2[int64, float64] {
	return func(yield func(int64, float64) bool) {
		for i, v := range s.rows {
			if !yield(s.Start+int64(i)*s.Step, v[c]) {
				return
			}
		}
	}
}

// ChannelSummary aggregates the known readings of one channel.
type ChannelSummary struct {
	Channel string
	Known   int
	Unknown int
	Min     float64
	Max     float64
	Average float64
	Last    float64
	P95     float64
}

// Summary aggregates every channel of a series.
type Summary struct {
	SensorID string
	Step     int64
	Start    int64
	End      int64
	Channels [NumChannels]ChannelSummary
}

// summaryAccuracy is the relative accuracy of the p95 estimate.
const summaryAccuracy = 0.01

// Summary computes min, max, average, last and p95 per channel. Statistics
// of a channel without known readings are unknown.
func (s *Series) Summary() (Summary, error) {
	out := Summary{SensorID: s.SensorID, Step: s.Step, Start: s.Start, End: s.End()}

	for _, c := range Channels {
		sketch, err := ddsketch.NewDefaultDDSketch(summaryAccuracy)
		if err != nil {
			return Summary{}, err
		}

		cs := ChannelSummary{
			Channel: c.String(),
			Min:     math.NaN(),
			Max:     math.NaN(),
			Average: math.NaN(),
			Last:    math.NaN(),
			P95:     math.NaN(),
		}
		var sum float64
		for _, v := range s.Channel(c) {
			if math.IsNaN(v) {
				cs.Unknown++
				continue
			}
			if cs.Known == 0 || v < cs.Min {
				cs.Min = v
			}
			if cs.Known == 0 || v > cs.Max {
				cs.Max = v
			}
			cs.Known++
			cs.Last = v
			sum += v
			if err := sketch.Add(v); err != nil {
				return Summary{}, err
			}
		}

		if cs.Known > 0 {
			cs.Average = sum / float64(cs.Known)
			if q, err := sketch.GetValueAtQuantile(0.95); err == nil {
				cs.P95 = q
			}
		}
		out.Channels[c] = cs
	}

	return out, nil
}
