// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func discardLogger() Logger {
	return slog.New(slog.DiscardHandler)
}

// DepositLookup resolves the deposit fee charged for borrowing a book.
type DepositLookup interface {
	DepositFee(ctx context.Context, bookID uuid.UUID) (int64, error)
}

// Notifier receives member-facing events after their transaction committed.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Policy holds the circulation constants.
type Policy struct {
	LoanPeriod     time.Duration
	PickupWindow   time.Duration
	ReservationTTL time.Duration
	FinePerDay     decimal.Decimal
	SweepBatch     int
}

// DefaultPolicy returns a 14 day loan, a 72h pickup window and 48h reservations.
func DefaultPolicy() Policy {
	return Policy{
		LoanPeriod:     14 * 24 * time.Hour,
		PickupWindow:   72 * time.Hour,
		ReservationTTL: 48 * time.Hour,
		FinePerDay:     decimal.NewFromInt(5000),
		SweepBatch:     100,
	}
}

// service implements the Service interface.
type service struct {
	store    Store
	policy   Policy
	now      func() time.Time
	logger   Logger
	deposits DepositLookup
	notifier Notifier
	maxTries uint
	tracer   trace.Tracer
	metrics  metrics
}

// Option configures the circulation service.
type Option func(*service)

// WithPolicy replaces the default circulation constants.
func WithPolicy(p Policy) Option {
	return func(s *service) {
		s.policy = p
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

func WithLogger(logger Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

func WithDeposits(d DepositLookup) Option {
	return func(s *service) {
		s.deposits = d
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *service) {
		s.notifier = n
	}
}

// WithMaxTries bounds how often a conflicting transaction is attempted.
func WithMaxTries(n uint) Option {
	return func(s *service) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithMeter sets the meter used for circulation counters.
func WithMeter(meter metric.Meter) Option {
	return func(s *service) {
		s.metrics = newMetrics(meter)
	}
}

// NewService creates a new circulation service instance.
func NewService(store Store, opts ...Option) Service {
	s := &service{
		store:    store,
		policy:   DefaultPolicy(),
		now:      time.Now,
		logger:   discardLogger(),
		deposits: noDeposit{},
		notifier: noNotifier{},
		maxTries: 5,
		tracer:   otel.Tracer("libranexus/circulation"),
		metrics:  newMetrics(otel.Meter("libranexus/circulation")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Now() time.Time {
	return s.now().UTC()
}

// work is the state of one transaction attempt.
type work struct {
	tx     Tx
	now    time.Time
	events []Event
}

func (w *work) record(typ EventType, aggregateType string, id, bookID, borrowerID uuid.UUID, data any) {
	w.events = append(w.events, Event{
		Type:          typ,
		AggregateID:   id,
		AggregateType: aggregateType,
		BookID:        bookID,
		BorrowerID:    borrowerID,
		Data:          data,
		OccurredAt:    w.now,
	})
}

// inTx runs fn in a store transaction, retrying on ErrTxConflict with
// exponential backoff. fn may run more than once and must only assign, not
// accumulate, into captured variables.
func (s *service) inTx(ctx context.Context, op string, fn func(ctx context.Context, w *work) error) error {
	ctx, span := s.tracer.Start(ctx, "circulation."+op)
	defer span.End()

	var committed []Event
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		w := &work{now: s.Now()}
		err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			w.tx = tx
			w.events = nil
			if err := fn(ctx, w); err != nil {
				return err
			}
			return tx.AppendEvents(ctx, w.events...)
		})
		switch {
		case err == nil:
			committed = w.events
			return struct{}{}, nil
		case errors.Is(err, ErrTxConflict):
			s.logger.Debug("transaction conflict, retrying", "op", op, "attempt", attempts, "error", err)
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxTries(s.maxTries))

	span.SetAttributes(attribute.Int("tx.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.publish(ctx, committed)
	return nil
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

func (s *service) publish(ctx context.Context, events []Event) {
	for _, e := range events {
		if e.Type != EventReservationFulfilled && e.Type != EventPickupExpired {
			continue
		}
		if err := s.notifier.Notify(ctx, e); err != nil {
			s.logger.Warn("notification failed", "event_type", string(e.Type), "aggregate_id", e.AggregateID.String(), "error", err)
		}
	}
}

func (s *service) depositFee(ctx context.Context, bookID uuid.UUID) int64 {
	fee, err := s.deposits.DepositFee(ctx, bookID)
	if err != nil {
		s.logger.Warn("deposit lookup failed, charging no deposit", "book_id", bookID.String(), "error", err)
		return 0
	}
	return fee
}

type metrics struct {
	checkouts           metric.Int64Counter
	borrowsCreated      metric.Int64Counter
	reservationsCreated metric.Int64Counter
	promotions          metric.Int64Counter
	pickupsExpired      metric.Int64Counter
	reservationsExpired metric.Int64Counter
}

func newMetrics(meter metric.Meter) metrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return metrics{
		checkouts:           counter("circulation.checkouts", "Checkout requests processed"),
		borrowsCreated:      counter("circulation.borrows.created", "Borrows created in PENDING"),
		reservationsCreated: counter("circulation.reservations.created", "Reservations enqueued"),
		promotions:          counter("circulation.reservations.promoted", "Reservations converted to borrows"),
		pickupsExpired:      counter("circulation.pickups.expired", "Pending borrows cancelled past the pickup window"),
		reservationsExpired: counter("circulation.reservations.expired", "Reservations expired by the sweeper"),
	}
}

type noDeposit struct{}

func (noDeposit) DepositFee(context.Context, uuid.UUID) (int64, error) { return 0, nil }

type noNotifier struct{}

func (noNotifier) Notify(context.Context, Event) error { return nil }
