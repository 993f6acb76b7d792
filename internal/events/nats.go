package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "replypipe.events"

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes every event as JSON on <prefix>.<type>.
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink creates a sink publishing through pub.
func NewNATSSink(pub Publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

// Subject returns the subject used for events of type t.
func (s *NATSSink) Subject(t models.EventType) string {
	return s.prefix + "." + string(t)
}

// Handle publishes e. Failures are logged and dropped.
func (s *NATSSink) Handle(e models.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("NATSSink.Handle: marshal failed", "type", e.Type, "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(e.Type), data); err != nil {
		slog.Warn("NATSSink.Handle: publish failed", "type", e.Type, "error", err)
	}
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("replypipe"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("ConnectNATS: disconnected", "url", url, "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("ConnectNATS: reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
