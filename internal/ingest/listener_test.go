package ingest

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/moamoak/kerrucent/internal/directory"
	"github.com/moamoak/kerrucent/internal/mqtt"
	"github.com/moamoak/kerrucent/internal/rrd"
	ktesting "github.com/moamoak/kerrucent/internal/testing"
)

const testHardwareID = "AA:BB:CC:DD:EE:FF"

type recordingSink struct {
	mu      sync.Mutex
	samples []rrd.Sample
	ids     []string
}

func (s *recordingSink) WriteSample(sensorID, hardwareID string, sample rrd.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, sensorID+"@"+hardwareID)
	s.samples = append(s.samples, sample)
}

func setupTestCache(t *testing.T, routes map[string]string) *IdentifierCache {
	t.Helper()
	dir := ktesting.NewFakeDirectory()
	for hw, id := range routes {
		dir.AddProbe(directory.Probe{SensorID: id, HardwareID: hw})
	}
	c := NewIdentifierCache(dir, time.Second)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return c
}

func TestHandle(t *testing.T) {
	clock := ktesting.NewFakeClock(120)
	reg := rrd.NewRegistry(rrd.Options{Defaults: rrd.DefaultPredictorParams(60), Clock: clock.Now})
	if _, err := reg.Create(context.Background(), "S1", rrd.CreateOptions{Start: 30}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cache := setupTestCache(t, map[string]string{testHardwareID: "S1", "11:22": "S9"})
	sink := &recordingSink{}
	l := NewListener(Options{Clock: clock.Now}, cache, reg, sink)

	l.Handle([]byte(testHardwareID + "/10/230/12/800/150/850"))
	l.Handle([]byte(testHardwareID + "/10/230/12/800/150/850"))
	l.Handle([]byte("00:00/10/230/12/800/150/850"))
	l.Handle([]byte("11:22/10/230/12/800/150/850"))
	l.Handle([]byte("garbage"))

	stats := l.Stats()
	want := Stats{Malformed: 1, Unroutable: 1, OutOfOrder: 1, Rejected: 1, Accepted: 1}
	if stats != want {
		t.Errorf("Stats = %+v, want %+v", stats, want)
	}

	if len(sink.samples) != 1 || sink.samples[0].Timestamp != 120 || sink.ids[0] != "S1@"+testHardwareID {
		t.Errorf("sink got %v %+v", sink.ids, sink.samples)
	}

	s, _ := reg.Get("S1")
	if s.LastUpdate() != 120 {
		t.Errorf("LastUpdate = %d, want 120", s.LastUpdate())
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	l := NewListener(Options{QueueSize: 2}, NewIdentifierCache(ktesting.NewFakeDirectory(), 0), rrd.NewRegistry(rrd.Options{}))

	payload := []byte("x")
	if !l.Submit(payload) || !l.Submit(payload) {
		t.Fatal("Submit rejected a payload with room in the queue")
	}
	if l.Submit(payload) {
		t.Fatal("Submit accepted a payload into a full queue")
	}

	payload[0] = 'y'
	if got := <-l.queue; string(got) != "x" {
		t.Errorf("queued payload aliases the caller buffer: %q", got)
	}

	stats := l.Stats()
	if stats.Received != 3 || stats.Dropped != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

type fakeSubscriber struct {
	topic   string
	handler mqtt.MessageHandler
}

func (s *fakeSubscriber) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	s.topic, s.handler = topic, handler
	return nil
}

func TestSubscribeMQTT(t *testing.T) {
	l := NewListener(Options{QueueSize: 4}, NewIdentifierCache(ktesting.NewFakeDirectory(), 0), rrd.NewRegistry(rrd.Options{}))
	sub := &fakeSubscriber{}

	if err := l.SubscribeMQTT(sub, "kerrucent/ingest", 1); err != nil {
		t.Fatalf("SubscribeMQTT: %v", err)
	}
	if sub.topic != "kerrucent/ingest" {
		t.Errorf("subscribed to %q", sub.topic)
	}
	if err := sub.handler("kerrucent/ingest", []byte(testHardwareID+"/1/2/3/4/5/6")); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(l.queue) != 1 || l.Stats().Received != 1 {
		t.Errorf("payload not queued: len %d stats %+v", len(l.queue), l.Stats())
	}
}

// =============================================================================
// End to end
// =============================================================================

func TestEndToEndUDP(t *testing.T) {
	const t0 = 1_700_000_000
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := ktesting.NewFakeClock(t0 - 1)
	reg := rrd.NewRegistry(rrd.Options{Clock: clock.Now})
	if _, err := reg.Create(ctx, "S1", rrd.CreateOptions{Start: t0 - 1, HardwareID: testHardwareID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cache := setupTestCache(t, map[string]string{testHardwareID: "S1"})

	// Every accepted datagram lands one second after the previous one.
	tick := func() time.Time {
		clock.Advance(time.Second)
		return clock.Now()
	}
	l := NewListener(Options{Addr: "127.0.0.1:0", Clock: tick}, cache, reg)

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	select {
	case <-l.Ready():
	case err := <-done:
		t.Fatalf("Run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not ready")
	}

	conn, err := net.Dial("udp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		payload := append([]byte(testHardwareID+"/10/230/12/800/150/850"), make([]byte, 64)...)
		if _, err := conn.Write(payload); err != nil {
			t.Fatalf("Write: %v", err)
		}
		// Keep the three datagrams on three clock ticks.
		if err := ktesting.Eventually(2*time.Second, time.Millisecond, func() bool {
			return l.Stats().Accepted == int64(i+1)
		}); err != nil {
			t.Fatalf("datagram %d: %v (stats %+v)", i, err, l.Stats())
		}
	}

	s, err := reg.Get("S1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	series, err := s.Query(t0, t0+3, rrd.QueryOptions{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if series.Len() != 3 || series.Step != 1 || series.Start != t0 {
		t.Fatalf("series: len %d step %d start %d", series.Len(), series.Step, series.Start)
	}
	for ts, v := range series.All() {
		if v[rrd.Courant] != 10 || v[rrd.PuissanceApparente] != 850 {
			t.Errorf("row %d = %v", ts, v)
		}
	}

	if _, failed, err := reg.FirstFailure("S1", t0-60); err != nil || failed {
		t.Errorf("FirstFailure = %v, %v", failed, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestListenerBindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer taken.Close()

	cache := setupTestCache(t, nil)
	l := NewListener(Options{Addr: taken.LocalAddr().String()}, cache, rrd.NewRegistry(rrd.Options{}))

	// A second Run must fail the same way instead of panicking on ready.
	for i := 0; i < 2; i++ {
		if err := l.Run(context.Background()); err == nil {
			t.Fatalf("Run %d: expected a bind error", i)
		}
	}
	select {
	case <-l.Ready():
	default:
		t.Fatal("ready not closed after a failed bind")
	}
	if addr := l.Addr(); addr != nil {
		t.Errorf("Addr = %v, want nil", addr)
	}
}
