// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"libranexus/internal/circulation"
)

// ConflictInjector makes the next n store transactions fail with a
// serialization conflict. The in-memory store implements it.
type ConflictInjector interface {
	InjectConflicts(n int)
}

// SeedBook registers a fresh book with the given number of copies.
func SeedBook(ctx context.Context, svc circulation.Service, copies int) (uuid.UUID, error) {
	bookID := uuid.New()
	for i := 0; i < copies; i++ {
		barcode := fmt.Sprintf("CHAOS-%s-%03d", bookID.String()[:8], i)
		if _, err := svc.AddCopy(ctx, bookID, barcode); err != nil {
			return uuid.Nil, fmt.Errorf("failed to seed copy: %w", err)
		}
	}
	return bookID, nil
}

// Overbooked counts the books whose copies are held by more than one open
// borrow, whose open borrows outnumber their copies, or that show a free copy
// while someone holds it.
func Overbooked(ctx context.Context, svc circulation.Service, bookIDs ...uuid.UUID) (float64, error) {
	var bad float64
	for _, bookID := range bookIDs {
		copies, err := svc.ListCopies(ctx, bookID)
		if err != nil {
			return 0, err
		}
		borrows, err := allBorrows(ctx, svc, bookID)
		if err != nil {
			return 0, err
		}

		holders := map[uuid.UUID]int{}
		open := 0
		for _, b := range borrows {
			if b.Status.Open() {
				holders[b.CopyID]++
				open++
			}
		}
		broken := open > len(copies)
		for _, c := range copies {
			n := holders[c.ID]
			if n > 1 || (n == 1 && c.Status != circulation.CopyBorrowed) {
				broken = true
			}
		}
		if broken {
			bad++
		}
	}
	return bad, nil
}

// QueueWhileAvailable counts the books that have a free copy and still a
// pending reservation.
func QueueWhileAvailable(ctx context.Context, svc circulation.Service, bookIDs ...uuid.UUID) (float64, error) {
	var bad float64
	for _, bookID := range bookIDs {
		avail, err := svc.Availability(ctx, bookID)
		if err != nil {
			return 0, err
		}
		queue, err := svc.BookQueue(ctx, bookID, 1, 1)
		if err != nil {
			return 0, err
		}
		if avail.Available > 0 && queue.Total > 0 {
			bad++
		}
	}
	return bad, nil
}

func allBorrows(ctx context.Context, svc circulation.Service, bookID uuid.UUID) ([]circulation.Borrow, error) {
	var out []circulation.Borrow
	for page := 1; ; page++ {
		res, err := svc.ListBorrows(ctx, circulation.BorrowFilter{BookID: &bookID, Page: page, PageSize: 100})
		if err != nil {
			return nil, err
		}
		out = append(out, res.Items...)
		if page >= res.TotalPages {
			return out, nil
		}
	}
}

func overbookedMetric(svc circulation.Service, bookIDs ...uuid.UUID) Metric {
	return Metric{
		Name: "books_overbooked",
		Query: func(ctx context.Context) (float64, error) {
			return Overbooked(ctx, svc, bookIDs...)
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

func noOverbooking() Assertion {
	return Assertion{
		Metric:    "books_overbooked",
		Condition: func(v float64) bool { return v == 0 },
		Message:   "No copy may be lent to more than one borrower",
	}
}

// fanOut runs fn n times concurrently and joins the unexpected errors.
func fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, i); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// ConcurrentCheckoutRace has many borrowers check out the same book at once.
// Exactly as many borrows as copies may come out of it; everyone else is queued.
func ConcurrentCheckoutRace(svc circulation.Service, bookID uuid.UUID, borrowers int, duration time.Duration) Experiment {
	return Experiment{
		Name:        "concurrent-checkout-race-condition",
		Hypothesis:  "Simultaneous checkouts of one book never lend a copy twice",
		SteadyState: []Metric{overbookedMetric(svc, bookID)},
		Method: []Action{
			{
				Type:       "concurrent-requests",
				Target:     "circulation-service",
				Parameters: map[string]any{"concurrency": borrowers, "book_id": bookID.String()},
				Execute: func(ctx context.Context) error {
					return fanOut(ctx, borrowers, func(ctx context.Context, _ int) error {
						_, err := svc.Checkout(ctx, uuid.New(), []uuid.UUID{bookID}, nil)
						return err
					})
				},
			},
		},
		Validation:  []Assertion{noOverbooking()},
		Duration:    duration,
		BlastRadius: 0.1,
	}
}

// TransactionConflictStorm forces serialization failures while borrowers
// compete for a book, so every request goes through the retry path.
func TransactionConflictStorm(svc circulation.Service, injector ConflictInjector, bookID uuid.UUID, borrowers int, duration time.Duration) Experiment {
	return Experiment{
		Name:        "transaction-conflict-storm",
		Hypothesis:  "Retried transactions keep the copy ledger consistent",
		SteadyState: []Metric{overbookedMetric(svc, bookID)},
		Method: []Action{
			{
				Type:       "failure",
				Target:     "circulation-store",
				Parameters: map[string]any{"conflicts": borrowers},
				Execute: func(ctx context.Context) error {
					injector.InjectConflicts(borrowers)
					return nil
				},
			},
			{
				Type:       "concurrent-requests",
				Target:     "circulation-service",
				Parameters: map[string]any{"concurrency": borrowers, "book_id": bookID.String()},
				Execute: func(ctx context.Context) error {
					return fanOut(ctx, borrowers, func(ctx context.Context, _ int) error {
						_, err := svc.Checkout(ctx, uuid.New(), []uuid.UUID{bookID}, nil)
						return err
					})
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore",
				Target: "circulation-store",
				Execute: func(ctx context.Context) error {
					injector.InjectConflicts(0)
					return nil
				},
			},
		},
		Validation:  []Assertion{noOverbooking()},
		Duration:    duration,
		BlastRadius: 0.3,
	}
}

// ReturnDuringReservationRush returns the only copy of a book while other
// borrowers are reserving it. The copy must go to the queue head and never
// sit on the shelf with people waiting.
func ReturnDuringReservationRush(svc circulation.Service, bookID uuid.UUID, borrowers int, duration time.Duration) Experiment {
	queueMetric := Metric{
		Name: "queued_while_available",
		Query: func(ctx context.Context) (float64, error) {
			return QueueWhileAvailable(ctx, svc, bookID)
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
	return Experiment{
		Name:        "return-during-reservation-rush",
		Hypothesis:  "A returned copy goes to the head of the queue, never back to the shelf",
		SteadyState: []Metric{overbookedMetric(svc, bookID), queueMetric},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "circulation-service",
				Parameters: map[string]any{
					"concurrency": borrowers,
					"book_id":     bookID.String(),
				},
				Execute: func(ctx context.Context) error {
					holder := uuid.New()
					res, err := svc.Checkout(ctx, holder, []uuid.UUID{bookID}, nil)
					if err != nil {
						return err
					}
					if len(res.Borrows) == 0 {
						return fmt.Errorf("no copy to hold: %+v", res.Failed)
					}
					borrowID := res.Borrows[0].ID
					if _, err := svc.ConfirmPickup(ctx, borrowID); err != nil {
						return err
					}

					return fanOut(ctx, borrowers+1, func(ctx context.Context, i int) error {
						if i == 0 {
							_, err := svc.ReturnCopy(ctx, borrowID)
							return err
						}
						_, err := svc.Reserve(ctx, uuid.New(), bookID)
						if errors.Is(err, circulation.ErrCopyAvailable) {
							return nil
						}
						return err
					})
				},
			},
		},
		Validation: []Assertion{
			noOverbooking(),
			{
				Metric:    "queued_while_available",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No reservation may wait while a copy is free",
			},
		},
		Duration:    duration,
		BlastRadius: 0.2,
	}
}

// RegisterCirculationExperiments seeds a book per experiment and registers the
// circulation suite. injector may be nil, which skips the conflict storm.
func RegisterCirculationExperiments(ctx context.Context, e *Engine, svc circulation.Service, injector ConflictInjector, duration time.Duration) error {
	race, err := SeedBook(ctx, svc, 3)
	if err != nil {
		return err
	}
	e.RegisterExperiment(ConcurrentCheckoutRace(svc, race, 50, duration))

	if injector != nil {
		storm, err := SeedBook(ctx, svc, 2)
		if err != nil {
			return err
		}
		e.RegisterExperiment(TransactionConflictStorm(svc, injector, storm, 20, duration))
	}

	rush, err := SeedBook(ctx, svc, 1)
	if err != nil {
		return err
	}
	e.RegisterExperiment(ReturnDuringReservationRush(svc, rush, 20, duration))
	return nil
}
