package notify

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"

	"github.com/moamoak/kerrucent/internal/config"
	"github.com/moamoak/kerrucent/internal/errors"
)

// =============================================================================
// Address Parsing
// =============================================================================

func TestScheme(t *testing.T) {
	tests := []struct {
		address string
		scheme  string
		target  string
		wantErr bool
	}{
		{"ops@example.com", "mailto", "ops@example.com", false},
		{"mailto:ops@example.com", "mailto", "ops@example.com", false},
		{" ops@example.com ", "mailto", "ops@example.com", false},
		{"snmp://10.0.0.1:162", "snmp", "10.0.0.1:162", false},
		{"snmp://nms.local", "snmp", "nms.local", false},
		{"mqtt://alerts/kitchen", "mqtt", "alerts/kitchen", false},
		{"http://example.com", "", "", true},
		{"not-an-address", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			scheme, target, err := Scheme(tt.address)
			if tt.wantErr {
				if !errors.Is(err, errors.ErrUnsupportedAddress) {
					t.Fatalf("expected ErrUnsupportedAddress, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Scheme: %v", err)
			}
			if scheme != tt.scheme || target != tt.target {
				t.Errorf("Scheme = (%q, %q), want (%q, %q)", scheme, target, tt.scheme, tt.target)
			}
		})
	}
}

// =============================================================================
// Dispatcher
// =============================================================================

type recorded struct {
	target string
	msg    Message
}

func TestDispatcherRoutesByScheme(t *testing.T) {
	var mail, mqtt []recorded
	d := NewDispatcher()
	d.Register("mailto", NotifierFunc(func(_ context.Context, target string, msg Message) error {
		mail = append(mail, recorded{target, msg})
		return nil
	}))
	d.Register("mqtt", NotifierFunc(func(_ context.Context, target string, msg Message) error {
		mqtt = append(mqtt, recorded{target, msg})
		return nil
	}))

	ctx := context.Background()
	msg := Message{Subject: "s", Body: "b"}
	for _, addr := range []string{"ops@example.com", "mqtt://alerts/kitchen", "mailto:boss@example.com"} {
		if err := d.Notify(ctx, addr, msg); err != nil {
			t.Fatalf("Notify(%s): %v", addr, err)
		}
	}

	if len(mail) != 2 || mail[1].target != "boss@example.com" {
		t.Errorf("mail deliveries = %+v", mail)
	}
	if len(mqtt) != 1 || mqtt[0].target != "alerts/kitchen" || mqtt[0].msg != msg {
		t.Errorf("mqtt deliveries = %+v", mqtt)
	}

	if err := d.Notify(ctx, "snmp://10.0.0.1", msg); !errors.Is(err, errors.ErrUnsupportedAddress) {
		t.Errorf("unconfigured scheme: expected ErrUnsupportedAddress, got %v", err)
	}

	stats := d.Stats()
	if stats.Sent != 3 || stats.Failed != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestDispatcherWrapsTransportErrors(t *testing.T) {
	d := NewDispatcher()
	d.Register("mailto", NotifierFunc(func(context.Context, string, Message) error {
		return errors.ErrClosed
	}))

	err := d.Notify(context.Background(), "ops@example.com", Message{})
	if !errors.Is(err, errors.ErrClosed) {
		t.Fatalf("expected wrapped ErrClosed, got %v", err)
	}
	if !strings.Contains(err.Error(), "ops@example.com") {
		t.Errorf("error lacks the address: %v", err)
	}
}

// =============================================================================
// Transports
// =============================================================================

type fakePublisher struct {
	topic   string
	payload []byte
	qos     byte
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, _ bool) error {
	p.topic, p.payload, p.qos = topic, payload, qos
	return nil
}

func TestMQTTNotifier(t *testing.T) {
	pub := &fakePublisher{}
	n := NewMQTTNotifier(pub, 1)

	if err := n.Notify(context.Background(), "alerts/kitchen", Message{Subject: "s", Body: "b"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if pub.topic != "alerts/kitchen" || pub.qos != 1 {
		t.Errorf("published to %q qos %d", pub.topic, pub.qos)
	}

	var got mqttAlert
	if err := json.Unmarshal(pub.payload, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Subject != "s" || got.Body != "b" || got.Timestamp == "" {
		t.Errorf("payload = %+v", got)
	}
}

func TestMailerCompose(t *testing.T) {
	m := NewMailer(config.SMTPConfig{From: "kerrucent@localhost"}, 0)
	raw := string(m.compose("ops@example.com", Message{Subject: "[Kerrucent] Error detected", Body: "Sensor S1 reports errors"}))

	for _, want := range []string{
		"From: kerrucent@localhost\r\n",
		"To: ops@example.com\r\n",
		"Subject: [Kerrucent] Error detected\r\n",
		"\r\n\r\nSensor S1 reports errors\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("message lacks %q:\n%s", want, raw)
		}
	}
}

func TestMailerUnreachableRelay(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	m := NewMailer(config.SMTPConfig{Host: "127.0.0.1", Port: port, From: "a@b"}, 0)
	if err := m.Notify(context.Background(), "ops@example.com", Message{}); err == nil {
		t.Fatal("expected a dial error")
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("10.0.0.1:1162", defaultTrapPort)
	if err != nil || host != "10.0.0.1" || port != 1162 {
		t.Errorf("splitHostPort = %s %d %v", host, port, err)
	}
	host, port, err = splitHostPort("nms.local", defaultTrapPort)
	if err != nil || host != "nms.local" || port != defaultTrapPort {
		t.Errorf("splitHostPort = %s %d %v", host, port, err)
	}
	if _, _, err := splitHostPort("nms:99999", defaultTrapPort); err == nil {
		t.Error("expected an invalid port error")
	}
}
