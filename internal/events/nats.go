package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/quillhq/quill/internal/common/logger"
)

// natsSubjectPrefix namespaces mirrored events on the NATS side.
const natsSubjectPrefix = "quill.events."

// NATSMirror forwards every published event to a NATS subject so external
// processes can subscribe. The in-process broker remains authoritative;
// mirror failures are logged by the broker, never propagated to publishers.
type NATSMirror struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSMirror connects to NATS with reconnection handling.
func NewNATSMirror(url string, log *logger.Logger) (*NATSMirror, error) {
	opts := []nats.Option{
		nats.Name("quill-event-mirror"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", zap.String("url", url))

	return &NATSMirror{
		conn:   conn,
		logger: log.WithFields(zap.String("component", "nats_mirror")),
	}, nil
}

// Forward publishes one event to its mirrored subject.
func (m *NATSMirror) Forward(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return m.conn.Publish(SubjectFor(event.Channel), data)
}

// Close drains and closes the NATS connection.
func (m *NATSMirror) Close() {
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("NATS drain failed", zap.Error(err))
	}
}

// SubjectFor maps a broker channel name to its NATS subject. The broker's
// ":" separator becomes the NATS token separator.
func SubjectFor(channel string) string {
	return natsSubjectPrefix + strings.ReplaceAll(channel, ":", ".")
}
