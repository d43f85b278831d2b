package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/moamoak/kerrucent/config"
	kerrors "github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/logging"
	"github.com/moamoak/kerrucent/internal/rrd"
)

var log = logging.Component("ingest")

// Appender is where accepted readings go.
type Appender interface {
	Append(sensorID string, ts int64, v rrd.Values) error
}

// SampleSink receives every accepted sample. WriteSample must not block.
type SampleSink interface {
	WriteSample(sensorID, hardwareID string, s rrd.Sample)
}

// Options configures a Listener.
type Options struct {
	// Addr is the UDP listen address. Empty runs only the processor, for
	// payloads fed through Submit.
	Addr string

	DatagramSize int
	QueueSize    int

	// Clock stamps accepted samples. Default: time.Now
	Clock func() time.Time
}

// Stats holds listener statistics.
type Stats struct {
	Received   int64 `json:"received"`
	Malformed  int64 `json:"malformed"`
	Unroutable int64 `json:"unroutable"`
	OutOfOrder int64 `json:"out_of_order"`
	Rejected   int64 `json:"rejected"`
	Accepted   int64 `json:"accepted"`
	Dropped    int64 `json:"dropped"`
}

type counters struct {
	received   atomic.Int64
	malformed  atomic.Int64
	unroutable atomic.Int64
	outOfOrder atomic.Int64
	rejected   atomic.Int64
	accepted   atomic.Int64
	dropped    atomic.Int64
}

// Listener receives datagrams and appends their readings.
//
// A reader goroutine moves datagrams from the socket into a bounded queue
// and a single processor drains it, so appends to a store arrive in
// receive order.
type Listener struct {
	opts  Options
	cache *IdentifierCache
	store Appender
	sinks []SampleSink

	queue chan []byte
	stats counters

	mu        sync.Mutex
	conn      net.PacketConn
	ready     chan struct{}
	readyOnce sync.Once
}

// NewListener returns a listener. Run starts it.
func NewListener(opts Options, cache *IdentifierCache, store Appender, sinks ...SampleSink) *Listener {
	if opts.DatagramSize <= 0 {
		opts.DatagramSize = config.DefaultDatagramSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultIngestQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Listener{
		opts:  opts,
		cache: cache,
		store: store,
		sinks: sinks,
		queue: make(chan []byte, opts.QueueSize),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the socket is bound, or at once without an address.
// It is also closed when Run fails to bind; Addr then returns nil.
func (l *Listener) Ready() <-chan struct{} {
	return l.ready
}

func (l *Listener) markReady() {
	l.readyOnce.Do(func() { close(l.ready) })
}

// Addr returns the bound socket address, or nil before Ready.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Run binds the socket and serves until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	defer l.markReady()
	g, ctx := errgroup.WithContext(ctx)

	if l.opts.Addr != "" {
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", l.opts.Addr)
		if err != nil {
			return kerrors.Wrapf(err, "listen %s", l.opts.Addr)
		}
		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		log.Info("ingest listener started", "addr", conn.LocalAddr().String())

		g.Go(func() error {
			<-ctx.Done()
			// Unblocks ReadFrom.
			return conn.Close()
		})
		g.Go(func() error {
			return l.read(ctx, conn)
		})
	}
	l.markReady()

	g.Go(func() error {
		l.process(ctx)
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (l *Listener) read(ctx context.Context, conn net.PacketConn) error {
	buf := make([]byte, l.opts.DatagramSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("datagram read failed", "error", err)
			continue
		}
		l.Submit(buf[:n])
	}
}

// Submit queues a payload for processing. It copies payload and never
// blocks; it reports false when the queue is full and the payload dropped.
func (l *Listener) Submit(payload []byte) bool {
	l.stats.received.Add(1)
	p := make([]byte, len(payload))
	copy(p, payload)

	select {
	case l.queue <- p:
		return true
	default:
		l.stats.dropped.Add(1)
		return false
	}
}

func (l *Listener) process(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-l.queue:
			l.Handle(p)
		}
	}
}

// Handle processes one payload synchronously.
func (l *Listener) Handle(payload []byte) {
	d, err := ParseDatagram(payload)
	if err != nil {
		l.stats.malformed.Add(1)
		log.Debug("malformed datagram dropped", "error", err)
		return
	}

	sensorID, ok := l.cache.Lookup(d.HardwareID)
	if !ok {
		l.stats.unroutable.Add(1)
		log.Debug("unknown hardware id", "hardware_id", d.HardwareID)
		return
	}

	ts := l.opts.Clock().Unix()
	if err := l.store.Append(sensorID, ts, d.Values); err != nil {
		switch {
		case kerrors.IsOutOfOrder(err):
			l.stats.outOfOrder.Add(1)
			log.Debug("out of order sample discarded", "sensor_id", sensorID, "timestamp", ts)
		case kerrors.IsNotFound(err):
			l.stats.rejected.Add(1)
			log.Debug("no store for routed sensor", "sensor_id", sensorID, "hardware_id", d.HardwareID)
		default:
			l.stats.rejected.Add(1)
			log.Warn("append failed", "sensor_id", sensorID, "error", err)
		}
		return
	}

	l.stats.accepted.Add(1)
	s := rrd.Sample{Timestamp: ts, Values: d.Values}
	for _, sink := range l.sinks {
		sink.WriteSample(sensorID, d.HardwareID, s)
	}
}

// Stats returns listener statistics.
func (l *Listener) Stats() Stats {
	return Stats{
		Received:   l.stats.received.Load(),
		Malformed:  l.stats.malformed.Load(),
		Unroutable: l.stats.unroutable.Load(),
		OutOfOrder: l.stats.outOfOrder.Load(),
		Rejected:   l.stats.rejected.Load(),
		Accepted:   l.stats.accepted.Load(),
		Dropped:    l.stats.dropped.Load(),
	}
}
