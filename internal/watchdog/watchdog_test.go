package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/rrd"
	ktesting "github.com/moamoak/kerrucent/internal/testing"
)

type fakeFailures struct {
	mu     sync.Mutex
	events map[string]rrd.FailureEvent
	errs   map[string]error
	since  []int64
}

func newFakeFailures() *fakeFailures {
	return &fakeFailures{events: map[string]rrd.FailureEvent{}, errs: map[string]error{}}
}

func (f *fakeFailures) FirstFailure(id string, since int64) (rrd.FailureEvent, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	if err, ok := f.errs[id]; ok {
		return rrd.FailureEvent{}, false, err
	}
	ev, ok := f.events[id]
	return ev, ok, nil
}

func setupTestWatchdog(t *testing.T, body string) (*Watchdog, *ktesting.FakeDirectory, *fakeFailures, *ktesting.RecordingNotifier) {
	t.Helper()
	dir := ktesting.NewFakeDirectory()
	failures := newFakeFailures()
	notifier := ktesting.NewRecordingNotifier()
	clock := ktesting.NewFakeClock(1_700_000_000)

	w, err := New(Options{Body: body, Clock: clock.Now}, dir, failures, notifier)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w, dir, failures, notifier
}

// =============================================================================
// Sweep
// =============================================================================

func TestSweepNotifiesSubscribers(t *testing.T) {
	w, dir, failures, notifier := setupTestWatchdog(t, "")

	dir.Subscribe("S1", "Kitchen", "ops@example.com")
	dir.Subscribe("S1", "Kitchen", "boss@example.com", "ops@example.com")
	dir.Subscribe("S2", "Cellar", "ops@example.com")
	failures.events["S1"] = rrd.FailureEvent{Timestamp: 1_699_999_990, Channels: rrd.ChannelMask(0).With(rrd.PuissanceActive)}

	res := w.Sweep(context.Background())
	if res.Checked != 2 || len(res.Failed) != 1 || res.Notified != 2 || len(res.Errors) != 0 {
		t.Fatalf("SweepResult = %+v", res)
	}

	sent := notifier.Sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 notifications, got %+v", sent)
	}
	if sent[0].Address != "ops@example.com" || sent[1].Address != "boss@example.com" {
		t.Errorf("addresses out of order: %+v", sent)
	}
	if sent[0].Message.Subject != "[Kerrucent] Error detected" {
		t.Errorf("Subject = %q", sent[0].Message.Subject)
	}
	if sent[0].Message.Body != "Sensor Kitchen reports errors" {
		t.Errorf("Body = %q", sent[0].Message.Body)
	}

	for _, since := range failures.since {
		if since != 1_700_000_000-60 {
			t.Errorf("FirstFailure since = %d, want now-60", since)
		}
	}
}

func TestSweepRenotifiesPersistentFailure(t *testing.T) {
	w, dir, failures, notifier := setupTestWatchdog(t, "")
	dir.Subscribe("S1", "Kitchen", "ops@example.com")
	failures.events["S1"] = rrd.FailureEvent{Timestamp: 1_699_999_990}

	ctx := context.Background()
	w.Sweep(ctx)
	w.Sweep(ctx)
	if n := len(notifier.Sent()); n != 2 {
		t.Errorf("expected one notification per sweep, got %d", n)
	}

	stats := w.Stats()
	if stats.Sweeps != 2 || stats.Failures != 2 || stats.Notified != 2 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestSweepErrors(t *testing.T) {
	w, dir, failures, notifier := setupTestWatchdog(t, "")
	dir.Subscribe("S1", "Kitchen", "bad@example.com", "ops@example.com")
	dir.Subscribe("gone", "Removed", "ops@example.com")
	dir.Subscribe("S3", "Attic", "ops@example.com")

	failures.events["S1"] = rrd.FailureEvent{Timestamp: 1_699_999_990}
	failures.errs["gone"] = errors.NewNotFound("store", "gone")
	failures.errs["S3"] = errors.ErrInternal
	notifier.Fail["bad@example.com"] = errors.ErrUnsupportedAddress

	res := w.Sweep(context.Background())
	if res.Unknown != 1 {
		t.Errorf("Unknown = %d, want 1", res.Unknown)
	}
	if len(res.Errors) != 2 {
		t.Errorf("expected a delivery error and a lookup error, got %v", res.Errors)
	}
	if res.Notified != 1 || notifier.Sent()[0].Address != "ops@example.com" {
		t.Errorf("the other address was not notified: %+v", notifier.Sent())
	}
}

func TestSweepDirectoryError(t *testing.T) {
	w, dir, _, notifier := setupTestWatchdog(t, "")
	dir.SetError(errors.ErrClosed)

	res := w.Sweep(context.Background())
	if len(res.Errors) != 1 || res.Checked != 0 || len(notifier.Sent()) != 0 {
		t.Errorf("SweepResult = %+v", res)
	}
	if w.Stats().Errors != 1 {
		t.Errorf("Stats = %+v", w.Stats())
	}
}

func TestSweepWithRegistry(t *testing.T) {
	reg := rrd.NewRegistry(rrd.Options{Defaults: rrd.DefaultPredictorParams(60)})
	if _, err := reg.Create(context.Background(), "S1", rrd.CreateOptions{Start: 30}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dir := ktesting.NewFakeDirectory()
	dir.Subscribe("S1", "Kitchen", "ops@example.com")
	dir.Subscribe("S2", "Missing", "ops@example.com")
	notifier := ktesting.NewRecordingNotifier()

	w, err := New(Options{}, dir, reg, notifier)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := w.Sweep(context.Background())
	if res.Checked != 2 || res.Unknown != 1 || len(res.Failed) != 0 || len(res.Errors) != 0 {
		t.Errorf("SweepResult = %+v", res)
	}
}

// =============================================================================
// Rendering and lifecycle
// =============================================================================

func TestRenderTemplate(t *testing.T) {
	w, dir, failures, notifier := setupTestWatchdog(t,
		"{{.SensorID}} ({{.Name}}) failed on {{.Channels}} at {{.Time.Format \"15:04:05\"}}")
	dir.Subscribe("S1", "", "ops@example.com")
	mask := rrd.ChannelMask(0).With(rrd.Courant).With(rrd.Tension)
	failures.events["S1"] = rrd.FailureEvent{Timestamp: 3723, Channels: mask}

	w.Sweep(context.Background())
	sent := notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(sent))
	}
	want := "S1 (S1) failed on courant,tension at 01:02:03"
	if sent[0].Message.Body != want {
		t.Errorf("Body = %q, want %q", sent[0].Message.Body, want)
	}
}

func TestNewRejectsBadTemplate(t *testing.T) {
	_, err := New(Options{Body: "{{.Name"}, ktesting.NewFakeDirectory(), newFakeFailures(), ktesting.NewRecordingNotifier())
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := ktesting.NewFakeDirectory()
	w, err := New(Options{Interval: 5 * time.Millisecond}, dir, newFakeFailures(), ktesting.NewRecordingNotifier())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := ktesting.Eventually(time.Second, 5*time.Millisecond, func() bool {
		return w.Stats().Sweeps >= 2
	}); err != nil {
		t.Fatalf("sweeps: %v", err)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
