// Package notify delivers alert messages to subscriber addresses.
//
// An address selects its transport by scheme:
//
//	ops@example.com, mailto:ops@example.com   mail through the SMTP relay
//	snmp://10.0.0.1:162                       SNMPv2c trap
//	mqtt://alerts/kitchen                     MQTT publish to alerts/kitchen
package notify

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/moamoak/kerrucent/internal/errors"
	"github.com/moamoak/kerrucent/internal/logging"
)

var log = logging.Component("notify")

// Message is one alert.
type Message struct {
	Subject string
	Body    string
}

// Notifier delivers a message to one address.
type Notifier interface {
	Notify(ctx context.Context, address string, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, address string, msg Message) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, address string, msg Message) error {
	return f(ctx, address, msg)
}

// Scheme returns the transport scheme of address and the part of the
// address the transport consumes. Bare addresses containing @ are mail.
func Scheme(address string) (scheme, target string, err error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return "", "", fmt.Errorf("empty address: %w", errors.ErrUnsupportedAddress)
	}

	if rest, ok := strings.CutPrefix(address, "mailto:"); ok {
		return "mailto", rest, nil
	}
	if !strings.Contains(address, "://") {
		if strings.Contains(address, "@") {
			return "mailto", address, nil
		}
		return "", "", fmt.Errorf("%q: %w", address, errors.ErrUnsupportedAddress)
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("%q: %v: %w", address, err, errors.ErrUnsupportedAddress)
	}
	switch u.Scheme {
	case "snmp":
		return "snmp", u.Host, nil
	case "mqtt":
		return "mqtt", strings.TrimPrefix(u.Host+u.Path, "/"), nil
	}
	return "", "", fmt.Errorf("scheme %q: %w", u.Scheme, errors.ErrUnsupportedAddress)
}

// DispatchStats holds delivery statistics.
type DispatchStats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Dispatcher routes each address to the notifier registered for its scheme.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[string]Notifier

	sent   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher returns a dispatcher without routes.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[string]Notifier)}
}

// Register routes scheme to n. The notifier receives the target part of
// the address, as returned by Scheme.
func (d *Dispatcher) Register(scheme string, n Notifier) {
	d.mu.Lock()
	d.routes[scheme] = n
	d.mu.Unlock()
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(ctx context.Context, address string, msg Message) error {
	scheme, target, err := Scheme(address)
	if err != nil {
		d.failed.Add(1)
		return err
	}

	d.mu.RLock()
	n, ok := d.routes[scheme]
	d.mu.RUnlock()
	if !ok {
		d.failed.Add(1)
		return fmt.Errorf("no %s transport configured: %w", scheme, errors.ErrUnsupportedAddress)
	}

	if err := n.Notify(ctx, target, msg); err != nil {
		d.failed.Add(1)
		return errors.Wrapf(err, "%s %s", scheme, target)
	}
	d.sent.Add(1)
	log.Debug("notification sent", "scheme", scheme, "address", target)
	return nil
}

// Stats returns delivery statistics.
func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{Sent: d.sent.Load(), Failed: d.failed.Load()}
}
