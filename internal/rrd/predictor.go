package rrd

import (
	"math"
	"math/bits"

	"github.com/moamoak/kerrucent/config"
	"github.com/moamoak/kerrucent/internal/errors"
)

// PredictorParams are the tunable constants of a store's predictor.
type PredictorParams struct {
	Alpha  float64
	Beta   float64
	Period int64
	Step   int64

	// A bucket is failed when at least FailureThreshold of the last
	// FailureWindow evaluated observations fell outside the band.
	FailureThreshold int
	FailureWindow    int
}

// DefaultPredictorParams returns the engine defaults for the given step.
func DefaultPredictorParams(step int64) PredictorParams {
	return PredictorParams{
		Alpha:            config.DefaultAlpha,
		Beta:             config.DefaultBeta,
		Period:           config.DefaultPeriod,
		Step:             step,
		FailureThreshold: config.DefaultFailureThreshold,
		FailureWindow:    config.DefaultFailureWindow,
	}
}

// Validate checks the parameters.
func (p PredictorParams) Validate() error {
	if err := validateSmoothing(p.Alpha, p.Beta); err != nil {
		return err
	}
	if p.Step <= 0 {
		return errors.NewInvalidValue("step", p.Step, "must be positive")
	}
	if p.Period < p.Step || p.Period%p.Step != 0 {
		return errors.NewInvalidValue("period", p.Period, "must be a positive multiple of step")
	}
	if p.FailureWindow < 1 || p.FailureWindow > 64 {
		return errors.NewInvalidValue("failure_window", p.FailureWindow, "must be between 1 and 64")
	}
	if p.FailureThreshold < 1 || p.FailureThreshold > p.FailureWindow {
		return errors.NewInvalidValue("failure_threshold", p.FailureThreshold, "must be between 1 and failure_window")
	}
	return nil
}

func validateSmoothing(alpha, beta float64) error {
	if !(alpha > 0 && alpha < 1) {
		return errors.NewInvalidValue("alpha", alpha, "must be in (0,1)")
	}
	if !(beta > 0 && beta < 1) {
		return errors.NewInvalidValue("beta", beta, "must be in (0,1)")
	}
	return nil
}

// Buckets returns the number of seasonal buckets.
func (p PredictorParams) Buckets() int {
	return int(p.Period / p.Step)
}

// Bucket returns the seasonal bucket of timestamp ts.
func (p PredictorParams) Bucket(ts int64) int {
	n := p.Period / p.Step
	b := floorDiv(ts, p.Step) % n
	if b < 0 {
		b += n
	}
	return int(b)
}

// Model is the Holt-Winters state of one channel.
type Model struct {
	Level     float64
	Trend     float64
	Deviation float64
	Seasonal  []float64

	// Warm is set once a full period has been observed. Failures are only
	// evaluated on a warm model.
	Warm bool

	// Seen marks, one bit per bucket, the buckets observed during the first
	// period. It is nil once the model is warm.
	Seen []uint64

	// SeasonStart is the timestamp of the first known observation.
	SeasonStart int64

	// Observed counts known observations.
	Observed int64

	// History holds the outcome of recent failure tests, newest in bit 0.
	History uint64
}

// Forecast is the outcome of one observation.
type Forecast struct {
	Expected float64
	Band     float64
	Error    float64
	Failed   bool
}

// Predictor holds one Model per channel.
type Predictor struct {
	params PredictorParams
	models [NumChannels]*Model
}

// NewPredictor returns a predictor with all state set to zero.
func NewPredictor(params PredictorParams) *Predictor {
	p := &Predictor{params: params}
	for c := range p.models {
		p.models[c] = newModel(params.Buckets())
	}
	return p
}

func newModel(buckets int) *Model {
	return &Model{
		Seasonal: make([]float64, buckets),
		Seen:     make([]uint64, seenWords(buckets)),
	}
}

func seenWords(buckets int) int {
	return (buckets + 63) / 64
}

// Params returns the current constants.
func (p *Predictor) Params() PredictorParams {
	return p.params
}

// Model returns the state of channel c.
func (p *Predictor) Model(c Channel) *Model {
	return p.models[c]
}

// Restore replaces the state of channel c. The seasonal slice must have
// one entry per bucket.
func (p *Predictor) Restore(c Channel, m Model) error {
	if len(m.Seasonal) != p.params.Buckets() {
		return errors.NewInvalidValue("seasonal", len(m.Seasonal), "length does not match period/step")
	}
	if m.Seen != nil && len(m.Seen) != seenWords(len(m.Seasonal)) {
		return errors.NewInvalidValue("seen", len(m.Seen), "length does not match period/step")
	}
	mm := m
	mm.Seasonal = append([]float64(nil), m.Seasonal...)
	if m.Seen != nil {
		mm.Seen = append([]uint64(nil), m.Seen...)
	}
	p.models[c] = &mm
	return nil
}

// Tune replaces the smoothing constants and keeps the learned state.
func (p *Predictor) Tune(alpha, beta float64) error {
	if err := validateSmoothing(alpha, beta); err != nil {
		return err
	}
	p.params.Alpha = alpha
	p.params.Beta = beta
	return nil
}

// Observe feeds one sample to every channel model and returns the channels
// whose bucket is failed.
func (p *Predictor) Observe(ts int64, v Values) ChannelMask {
	b := p.params.Bucket(ts)
	var failed ChannelMask
	for c, x := range v {
		if f := p.models[c].observe(&p.params, b, ts, x); f.Failed {
			failed = failed.With(Channel(c))
		}
	}
	return failed
}

// Predict returns the forecast for ts without updating any state. Channels
// that never observed a known value are unknown.
func (p *Predictor) Predict(ts int64) Values {
	b := p.params.Bucket(ts)
	var out Values
	for c, m := range p.models {
		switch {
		case m.Observed == 0:
			out[c] = Unknown()
		case !m.Warm:
			out[c] = m.Level
		default:
			out[c] = m.Level + m.Trend + m.Seasonal[b]
		}
	}
	return out
}

func (m *Model) observe(p *PredictorParams, b int, ts int64, v float64) Forecast {
	if math.IsNaN(v) {
		if !m.Warm {
			return Forecast{Expected: m.Level, Band: config.BandMultiplier * m.Deviation}
		}
		return Forecast{Expected: m.Level + m.Trend + m.Seasonal[b], Band: config.BandMultiplier * m.Deviation}
	}

	if m.Observed == 0 {
		m.SeasonStart = ts
	}
	if !m.Warm {
		if ts-m.SeasonStart < p.Period {
			return m.learn(b, v)
		}
		m.initialize()
	}
	m.Observed++

	f := m.Level + m.Trend + m.Seasonal[b]
	err := v - f
	band := config.BandMultiplier * m.Deviation
	out := Forecast{Expected: f, Band: band, Error: err}

	violated := math.Abs(err) > band
	mask := uint64(1)<<uint(p.FailureWindow) - 1
	m.History <<= 1
	if violated {
		m.History |= 1
	}
	m.History &= mask
	out.Failed = bits.OnesCount64(m.History) >= p.FailureThreshold

	level := p.Alpha*(v-m.Seasonal[b]) + (1-p.Alpha)*(m.Level+m.Trend)
	m.Trend = p.Beta*(level-m.Level) + (1-p.Beta)*m.Trend
	m.Seasonal[b] = config.SeasonalGamma*(v-level) + (1-config.SeasonalGamma)*m.Seasonal[b]
	m.Deviation = config.DeviationGamma*math.Abs(err) + (1-config.DeviationGamma)*m.Deviation
	m.Level = level

	return out
}

// learn records a first-period observation. Level is the running mean of
// the period, Deviation the mean absolute error of that mean as a one step
// forecast, and Seasonal holds the latest value of each bucket.
func (m *Model) learn(b int, v float64) Forecast {
	out := Forecast{Expected: m.Level, Band: config.BandMultiplier * m.Deviation}
	m.Observed++
	if m.Observed > 1 {
		out.Error = v - m.Level
		m.Deviation += (math.Abs(out.Error) - m.Deviation) / float64(m.Observed-1)
	}
	m.Level += (v - m.Level) / float64(m.Observed)
	m.Seasonal[b] = v
	if m.Seen == nil {
		m.Seen = make([]uint64, seenWords(len(m.Seasonal)))
	}
	m.Seen[b/64] |= 1 << uint(b%64)
	return out
}

// initialize ends the first period. Level becomes the mean of the observed
// buckets and each observed bucket keeps its offset from that mean. The
// deviation learned over the period seeds the band.
func (m *Model) initialize() {
	var sum float64
	var n int
	for i, x := range m.Seasonal {
		if m.seen(i) {
			sum += x
			n++
		}
	}
	if n > 0 {
		m.Level = sum / float64(n)
	}
	for i := range m.Seasonal {
		if m.seen(i) {
			m.Seasonal[i] -= m.Level
		} else {
			m.Seasonal[i] = 0
		}
	}
	m.Trend = 0
	m.Seen = nil
	m.Warm = true
}

func (m *Model) seen(b int) bool {
	return m.Seen != nil && m.Seen[b/64]&(1<<uint(b%64)) != 0
}
