package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vesaa/tapwatch/internal/models"
)

// Notifier announces newly opened alerts. Merged repeats are never announced.
type Notifier interface {
	Notify(ctx context.Context, alert models.Alert) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, models.Alert) error { return nil }

// Event is the payload published for a new alert.
type Event struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Subsystem   string         `json:"subsystem"`
	Message     string         `json:"message"`
	Fields      map[string]any `json:"fields"`
	SourceTap   string         `json:"source_tap,omitempty"`
	SourceProbe string         `json:"source_probe,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
	DocLink     string         `json:"documentation_link"`
}

// NATSNotifier publishes JSON alert events on a NATS subject.
type NATSNotifier struct {
	Conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSNotifier connects to url and publishes on subject.
func NewNATSNotifier(url, subject string, logger *slog.Logger) (*NATSNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Name("tapwatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("alerts: connect to nats %s: %w", url, err)
	}
	return &NATSNotifier{Conn: conn, subject: subject, logger: logger}, nil
}

// Notify publishes the alert. Publishing is buffered by the client, so ctx
// is only checked before the message is handed over.
func (n *NATSNotifier) Notify(ctx context.Context, alert models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Event{
		ID:          alert.ID,
		Kind:        alert.Kind,
		Subsystem:   alert.Subsystem,
		Message:     alert.Message,
		Fields:      alert.Fields,
		SourceTap:   alert.SourceTap,
		SourceProbe: alert.SourceProbe,
		FirstSeen:   alert.FirstSeen,
		DocLink:     alert.DocLink,
	})
	if err != nil {
		return err
	}
	if err := n.Conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("alerts: publish %s: %w", alert.ID, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATSNotifier) Close() {
	if n.Conn != nil {
		n.Conn.Drain()
		n.Conn.Close()
	}
}
