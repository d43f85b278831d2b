package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher is the part of the MQTT client the notifier needs.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTNotifier publishes alerts as JSON to the topic of the address.
type MQTTNotifier struct {
	pub Publisher
	qos byte
}

// NewMQTTNotifier returns a notifier publishing through pub.
func NewMQTTNotifier(pub Publisher, qos byte) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, qos: qos}
}

type mqttAlert struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Timestamp string `json:"timestamp"`
}

// Notify publishes msg to topic.
func (n *MQTTNotifier) Notify(ctx context.Context, topic string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(mqttAlert{
		Subject:   msg.Subject,
		Body:      msg.Body,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return n.pub.Publish(topic, payload, n.qos, false)
}
