// Package watchdog periodically looks for sensors whose stores recorded a
// failure and alerts their subscribers.
package watchdog

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/moamoak/kerrucent/config"
	"github.com/moamoak/kerrucent/internal/directory"
	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/logging"
	"github.com/moamoak/kerrucent/internal/notify"
	"github.com/moamoak/kerrucent/internal/rrd"
)

var log = logging.Component("watchdog")

// SubscriptionSource lists alert subscriptions.
type SubscriptionSource interface {
	ListProbesWithSubscriptions(ctx context.Context) ([]directory.Subscription, error)
}

// FailureSource reports the first failure of a sensor since a time.
type FailureSource interface {
	FirstFailure(sensorID string, since int64) (rrd.FailureEvent, bool, error)
}

// Options configures a Watchdog.
type Options struct {
	// Interval is the time between sweeps. Default: 60s
	Interval time.Duration

	// Window is how far back a sweep looks. Default: 60s
	Window time.Duration

	Subject string

	// Body is a text/template rendered with AlertData.
	Body string

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// AlertData is the template data of an alert body.
type AlertData struct {
	Name     string
	SensorID string

	// Channels lists the failed channels, comma separated.
	Channels string

	// Time is when the first failed row in the window starts.
	Time time.Time
}

// Stats holds watchdog statistics.
type Stats struct {
	LastSweep time.Time `json:"last_sweep"`
	Sweeps    int64     `json:"sweeps"`
	Failures  int64     `json:"failures"`
	Notified  int64     `json:"notified"`
	Unknown   int64     `json:"unknown"`
	Errors    int64     `json:"errors"`
}

// SweepResult holds the outcome of one sweep.
type SweepResult struct {
	Checked  int
	Failed   []string
	Notified int
	Unknown  int
	Errors   []error
}

// Watchdog runs failure sweeps.
type Watchdog struct {
	opts     Options
	subs     SubscriptionSource
	failures FailureSource
	notifier notify.Notifier
	body     *template.Template

	mu    sync.Mutex
	stats Stats
}

// New returns a watchdog. It fails when the body template does not parse.
func New(opts Options, subs SubscriptionSource, failures FailureSource, notifier notify.Notifier) (*Watchdog, error) {
	if opts.Interval <= 0 {
		opts.Interval = config.DefaultWatchdogInterval
	}
	if opts.Window <= 0 {
		opts.Window = config.DefaultWatchdogWindow
	}
	if opts.Subject == "" {
		opts.Subject = config.DefaultAlertSubject
	}
	if opts.Body == "" {
		opts.Body = config.DefaultAlertBody
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	body, err := template.New("alert").Option("missingkey=error").Parse(opts.Body)
	if err != nil {
		return nil, fmt.Errorf("parse alert body: %w: %w", err, errors.ErrInvalidConfig)
	}

	return &Watchdog{
		opts:     opts,
		subs:     subs,
		failures: failures,
		notifier: notifier,
		body:     body,
	}, nil
}

// Run sweeps every interval until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	log.Info("watchdog started", "interval", w.opts.Interval, "window", w.opts.Window)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := w.Sweep(ctx)
			if len(res.Failed) > 0 || len(res.Errors) > 0 {
				log.Info("sweep done",
					"checked", res.Checked,
					"failed", len(res.Failed),
					"notified", res.Notified,
					"errors", len(res.Errors))
			}
		}
	}
}

type target struct {
	sensorID  string
	name      string
	addresses []string
	seen      map[string]bool
}

// merge collapses subscriptions to one target per sensor. Addresses keep
// the order they first appear in.
func merge(subs []directory.Subscription) []*target {
	var out []*target
	byID := make(map[string]*target)
	for _, s := range subs {
		t, ok := byID[s.SensorID]
		if !ok {
			t = &target{sensorID: s.SensorID, name: s.Name, seen: make(map[string]bool)}
			byID[s.SensorID] = t
			out = append(out, t)
		}
		for _, a := range s.Addresses {
			a = strings.TrimSpace(a)
			if a == "" || t.seen[a] {
				continue
			}
			t.seen[a] = true
			t.addresses = append(t.addresses, a)
		}
	}
	return out
}

// Sweep checks every subscribed sensor once. A failure notifies every
// address of the sensor; nothing is suppressed between sweeps.
func (w *Watchdog) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := w.opts.Clock()

	defer func() {
		w.mu.Lock()
		w.stats.LastSweep = now
		w.stats.Sweeps++
		w.stats.Failures += int64(len(res.Failed))
		w.stats.Notified += int64(res.Notified)
		w.stats.Unknown += int64(res.Unknown)
		w.stats.Errors += int64(len(res.Errors))
		w.mu.Unlock()
	}()

	subs, err := w.subs.ListProbesWithSubscriptions(ctx)
	if err != nil {
		log.Error("list subscriptions failed", "error", err)
		res.Errors = append(res.Errors, fmt.Errorf("list subscriptions: %w", err))
		return res
	}

	since := now.Add(-w.opts.Window).Unix()
	for _, t := range merge(subs) {
		if ctx.Err() != nil {
			return res
		}
		res.Checked++

		ev, failed, err := w.failures.FirstFailure(t.sensorID, since)
		if err != nil {
			if errors.IsNotFound(err) {
				res.Unknown++
				log.Warn("subscribed sensor has no store", "sensor_id", t.sensorID)
				continue
			}
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", t.sensorID, err))
			log.Error("failure lookup failed", "sensor_id", t.sensorID, "error", err)
			continue
		}
		if !failed {
			continue
		}
		res.Failed = append(res.Failed, t.sensorID)

		msg, err := w.render(t, ev)
		if err != nil {
			res.Errors = append(res.Errors, err)
			log.Error("render alert failed", "sensor_id", t.sensorID, "error", err)
			continue
		}

		log.Info("failure detected", "sensor_id", t.sensorID, "timestamp", ev.Timestamp,
			"channels", ev.Channels.String(), "subscribers", len(t.addresses))

		for _, addr := range t.addresses {
			if err := w.notifier.Notify(ctx, addr, msg); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("%s -> %s: %w", t.sensorID, addr, err))
				log.Error("notification failed", "sensor_id", t.sensorID, "address", addr, "error", err)
				continue
			}
			res.Notified++
		}
	}
	return res
}

func (w *Watchdog) render(t *target, ev rrd.FailureEvent) (notify.Message, error) {
	name := t.name
	if name == "" {
		name = t.sensorID
	}

	var b bytes.Buffer
	err := w.body.Execute(&b, AlertData{
		Name:     name,
		SensorID: t.sensorID,
		Channels: ev.Channels.String(),
		Time:     time.Unix(ev.Timestamp, 0).UTC(),
	})
	if err != nil {
		return notify.Message{}, fmt.Errorf("render alert for %s: %w", t.sensorID, err)
	}
	return notify.Message{Subject: w.opts.Subject, Body: b.String()}, nil
}

// Stats returns watchdog statistics.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
