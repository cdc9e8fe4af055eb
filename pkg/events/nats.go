package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSMirror republishes bus events to NATS for the notification and
// dashboard layer. The core has no dependency on whether anything
// subscribes; publishing is fire-and-forget.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logrus.Entry
}

// NATSConfig holds connection settings for the mirror.
type NATSConfig struct {
	URL      string
	ClientID string
}

// NewNATSMirror connects to NATS and returns a mirror ready to attach.
func NewNATSMirror(cfg NATSConfig) (*NATSMirror, error) {
	logger := logrus.WithField("component", "nats-mirror")

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Errorf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSMirror{conn: conn, logger: logger}, nil
}

// Attach subscribes the mirror to every event on the bus.
func (m *NATSMirror) Attach(bus *Bus) {
	bus.SubscribeAll(m.publish)
}

func (m *NATSMirror) publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Errorf("failed to marshal %s event: %v", ev.Kind, err)
		return
	}
	if err := m.conn.Publish(SubjectFor(ev), data); err != nil {
		m.logger.Errorf("failed to publish %s event: %v", ev.Kind, err)
	}
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}
