// internal/notify/notify.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go"

	"libranexus/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Source is the CloudEvents source of every notification.
	Source = "libranexus/circulation"
	// TypePrefix prefixes the circulation event type in the CloudEvents type.
	TypePrefix = "libranexus.circulation."
	// SubjectPrefix prefixes the circulation event type in the NATS subject.
	SubjectPrefix = "circulation."
)

// Publisher is satisfied by *nats.Conn.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes circulation events as structured CloudEvents.
type NATSNotifier struct {
	pub    Publisher
	newID  func() string
	logger *slog.Logger
}

func NewNATSNotifier(pub Publisher, logger *slog.Logger) *NATSNotifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &NATSNotifier{pub: pub, newID: uuid.NewString, logger: logger}
}

// Connect dials NATS with reconnect logging.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.Name("libranexus-circulation"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Encode wraps a circulation event in a CloudEvents envelope.
func (n *NATSNotifier) Encode(ev circulation.Event) ([]byte, error) {
	e := cloudevents.NewEvent()
	e.SetID(n.newID())
	e.SetSource(Source)
	e.SetType(TypePrefix + string(ev.Type))
	e.SetSubject(ev.AggregateID.String())
	e.SetTime(ev.OccurredAt)
	e.SetExtension("bookid", ev.BookID.String())
	if ev.BorrowerID != uuid.Nil {
		e.SetExtension("borrowerid", ev.BorrowerID.String())
	}
	if err := e.SetData(cloudevents.ApplicationJSON, ev.Data); err != nil {
		return nil, fmt.Errorf("failed to set event data: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return json.Marshal(e)
}

// Notify publishes ev on circulation.<type>.
func (n *NATSNotifier) Notify(ctx context.Context, ev circulation.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := n.Encode(ev)
	if err != nil {
		return err
	}
	subject := SubjectPrefix + string(ev.Type)
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	n.logger.Debug("notification published", "subject", subject, "aggregate_id", ev.AggregateID)
	return nil
}
