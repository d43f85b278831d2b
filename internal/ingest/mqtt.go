package ingest

import (
	"github.com/moamoak/kerrucent/internal/mqtt"
)

// Subscriber is the part of the MQTT client the ingest source needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// SubscribeMQTT feeds payloads published on topic into the listener queue.
// They are processed exactly like UDP datagrams.
func (l *Listener) SubscribeMQTT(sub Subscriber, topic string, qos byte) error {
	err := sub.Subscribe(topic, qos, func(_ string, payload []byte) error {
		if !l.Submit(payload) {
			log.Debug("ingest queue full, mqtt payload dropped", "topic", topic)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("mqtt ingest subscribed", "topic", topic, "qos", qos)
	return nil
}
