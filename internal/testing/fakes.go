package testing

import (
	"context"
	"sync"

	"github.com/moamoak/kerrucent/internal/directory"
	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/notify"
)

// =============================================================================
// Probe Directory
// =============================================================================

// FakeDirectory is an in-memory directory.ProbeDirectory.
type FakeDirectory struct {
	mu            sync.Mutex
	probes        []directory.Probe
	subscriptions []directory.Subscription

	// Err, when set, is returned by every list call.
	Err error

	// Calls counts ListProbesWithHardwareID calls.
	Calls int
}

var _ directory.ProbeDirectory = (*FakeDirectory)(nil)

// NewFakeDirectory returns an empty directory.
func NewFakeDirectory() *FakeDirectory {
	return &FakeDirectory{}
}

// AddProbe adds a probe and returns it with its id.
func (d *FakeDirectory) AddProbe(p directory.Probe) directory.Probe {
	d.mu.Lock()
	defer d.mu.Unlock()
	p.ID = int64(len(d.probes) + 1)
	if p.Name == "" {
		p.Name = p.SensorID
	}
	d.probes = append(d.probes, p)
	return p
}

// Subscribe adds one subscription row.
func (d *FakeDirectory) Subscribe(sensorID, name string, addresses ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptions = append(d.subscriptions, directory.Subscription{
		SensorID:  sensorID,
		Name:      name,
		Addresses: addresses,
	})
}

// SetError sets the error returned by list calls.
func (d *FakeDirectory) SetError(err error) {
	d.mu.Lock()
	d.Err = err
	d.mu.Unlock()
}

// ListProbesWithHardwareID implements directory.ProbeDirectory.
func (d *FakeDirectory) ListProbesWithHardwareID(ctx context.Context) ([]directory.ProbeRoute, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls++
	if d.Err != nil {
		return nil, d.Err
	}
	var routes []directory.ProbeRoute
	for _, p := range d.probes {
		if p.HardwareID != "" {
			routes = append(routes, directory.ProbeRoute{HardwareID: p.HardwareID, SensorID: p.SensorID})
		}
	}
	return routes, ctx.Err()
}

// ListProbesWithSubscriptions implements directory.ProbeDirectory.
func (d *FakeDirectory) ListProbesWithSubscriptions(ctx context.Context) ([]directory.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	out := make([]directory.Subscription, len(d.subscriptions))
	for i, s := range d.subscriptions {
		s.Addresses = append([]string(nil), s.Addresses...)
		out[i] = s
	}
	return out, ctx.Err()
}

// LookupProbe implements directory.ProbeDirectory.
func (d *FakeDirectory) LookupProbe(_ context.Context, sensorID string) (directory.Probe, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.probes {
		if p.SensorID == sensorID {
			return p, nil
		}
	}
	return directory.Probe{}, errors.NewNotFound("probe", sensorID)
}

// LookupByHardwareID implements directory.ProbeDirectory.
func (d *FakeDirectory) LookupByHardwareID(_ context.Context, hwID string) (directory.Probe, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.probes {
		if p.HardwareID == hwID {
			return p, nil
		}
	}
	return directory.Probe{}, errors.NewNotFound("probe", hwID)
}

// =============================================================================
// Notifier
// =============================================================================

// Notification is one recorded delivery.
type Notification struct {
	Address string
	Message notify.Message
}

// RecordingNotifier records deliveries. Addresses listed in Fail return
// an error instead.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	Fail map[string]error
}

var _ notify.Notifier = (*RecordingNotifier)(nil)

// NewRecordingNotifier returns an empty recorder.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{Fail: make(map[string]error)}
}

// Notify implements notify.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, address string, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.Fail[address]; ok {
		return err
	}
	n.sent = append(n.sent, Notification{Address: address, Message: msg})
	return nil
}

// Sent returns the recorded deliveries in order.
func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// Reset forgets recorded deliveries.
func (n *RecordingNotifier) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}
