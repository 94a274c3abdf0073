package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")

// Schema creates the circulation event log.
const Schema = `
CREATE TABLE IF NOT EXISTS circulation_events (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	book_id UUID NOT NULL,
	borrower_id UUID,
	event_data JSONB NOT NULL,
	version INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS circulation_events_book_idx ON circulation_events (book_id, id);
`

// Event is one row of the log. Version counts per aggregate from 1.
type Event struct {
	ID            int64               `json:"id" db:"id"`
	AggregateID   uuid.UUID           `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string              `json:"aggregate_type" db:"aggregate_type"`
	EventType     string              `json:"event_type" db:"event_type"`
	BookID        uuid.UUID           `json:"book_id" db:"book_id"`
	BorrowerID    uuid.NullUUID       `json:"borrower_id" db:"borrower_id"`
	EventData     jsoniter.RawMessage `json:"event_data" db:"event_data"`
	Version       int                 `json:"version" db:"version"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// NewEvent encodes data as the event payload.
func NewEvent(aggregateID uuid.UUID, aggregateType, eventType string, bookID, borrowerID uuid.UUID, data any, at time.Time) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Event{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		BookID:        bookID,
		BorrowerID:    uuid.NullUUID{UUID: borrowerID, Valid: borrowerID != uuid.Nil},
		EventData:     payload,
		CreatedAt:     at.UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.EventData, v)
}

// EventStore appends to and reads the log through the caller's transaction,
// so events commit or roll back with the state they describe.
type EventStore struct {
	tracer trace.Tracer
}

func NewEventStore() *EventStore {
	return &EventStore{
		tracer: otel.Tracer("libranexus/eventstore"),
	}
}

// AppendEvents numbers each event after the current version of its aggregate.
func (es *EventStore) AppendEvents(ctx context.Context, tx sqlx.ExtContext, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(attribute.Int("event.count", len(events))),
	)
	defer span.End()

	versions := make(map[uuid.UUID]int)
	for i, event := range events {
		current, ok := versions[event.AggregateID]
		if !ok {
			err := sqlx.GetContext(ctx, tx, &current, `
				SELECT COALESCE(MAX(version), 0)
				FROM circulation_events
				WHERE aggregate_id = $1
			`, event.AggregateID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("query current version: %w", err)
			}
		}
		version := current + 1
		versions[event.AggregateID] = version

		var eventID int64
		err := tx.QueryRowxContext(ctx, `
			INSERT INTO circulation_events (aggregate_id, aggregate_type, event_type, book_id, borrower_id, event_data, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id
		`, event.AggregateID, event.AggregateType, event.EventType, event.BookID, event.BorrowerID,
			[]byte(event.EventData), version, event.CreatedAt).Scan(&eventID)
		if err != nil {
			if isUniqueViolation(err) {
				span.SetAttributes(attribute.Bool("conflict.detected", true))
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert event %d: %w", i, err)
		}

		span.AddEvent("event.appended", trace.WithAttributes(
			attribute.Int64("event.id", eventID),
			attribute.Int("event.version", version),
			attribute.String("event.type", event.EventType),
		))
	}
	return nil
}

// LoadEvents returns the history of one aggregate in version order.
func (es *EventStore) LoadEvents(ctx context.Context, q sqlx.QueryerContext, aggregateID uuid.UUID) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	events := []Event{}
	err := sqlx.SelectContext(ctx, q, &events, `
		SELECT id, aggregate_id, aggregate_type, event_type, book_id, borrower_id, event_data, version, created_at
		FROM circulation_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
