// internal/circulation/lifecycle.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReturnResult is the outcome of a return: the closed loan and, when the
// copy went straight to the next reservation, the borrow created for it.
type ReturnResult struct {
	Borrow   Borrow          `json:"borrow"`
	Fine     decimal.Decimal `json:"fine"`
	Promoted *Borrow         `json:"promoted_borrow,omitempty"`
}

// createBorrow inserts a PENDING borrow for a copy reserved in the same transaction.
func (s *service) createBorrow(ctx context.Context, w *work, borrowerID uuid.UUID, c Copy, due time.Time, fee int64, reservationID *uuid.UUID) (Borrow, error) {
	b := Borrow{
		ID:             uuid.New(),
		BorrowerID:     borrowerID,
		CopyID:         c.ID,
		BookID:         c.BookID,
		ReservationID:  reservationID,
		Status:         BorrowPending,
		CreatedAt:      w.now,
		PickupDeadline: w.now.Add(s.policy.PickupWindow),
		DueDate:        due,
		DepositFee:     fee,
		Fine:           decimal.Zero,
		UpdatedAt:      w.now,
	}
	if err := w.tx.InsertBorrow(ctx, b); err != nil {
		return Borrow{}, fmt.Errorf("failed to insert borrow: %w", err)
	}
	w.record(EventBorrowCreated, "borrow", b.ID, b.BookID, borrowerID, map[string]any{
		"copy_id":         c.ID,
		"due_date":        due,
		"pickup_deadline": b.PickupDeadline,
	})
	s.metrics.borrowsCreated.Add(ctx, 1)
	return b, nil
}

// lockBorrow resolves the book of a borrow, locks it and rereads the row.
func (s *service) lockBorrow(ctx context.Context, w *work, bookID, borrowID uuid.UUID) (Borrow, error) {
	if _, err := w.tx.LockBook(ctx, bookID); err != nil {
		return Borrow{}, err
	}
	return w.tx.GetBorrow(ctx, borrowID)
}

// ConfirmPickup moves a PENDING borrow to ACTIVE. A second call is rejected.
func (s *service) ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*Borrow, error) {
	b, err := s.store.GetBorrow(ctx, borrowID)
	if err != nil {
		return nil, err
	}

	var confirmed Borrow
	err = s.inTx(ctx, "ConfirmPickup", func(ctx context.Context, w *work) error {
		cur, err := s.lockBorrow(ctx, w, b.BookID, borrowID)
		if err != nil {
			return err
		}
		if cur.Status != BorrowPending {
			return fmt.Errorf("%w: cannot confirm pickup of %s borrow", ErrInvalidTransition, cur.EffectiveStatus(w.now))
		}
		cur.Status = BorrowActive
		if cur.BorrowedAt == nil {
			now := w.now
			cur.BorrowedAt = &now
		}
		cur.DepositPaid = true
		cur.UpdatedAt = w.now
		if err := w.tx.UpdateBorrow(ctx, cur); err != nil {
			return fmt.Errorf("failed to update borrow: %w", err)
		}
		w.record(EventPickupConfirmed, "borrow", cur.ID, cur.BookID, cur.BorrowerID, map[string]any{"deposit_fee": cur.DepositFee})
		confirmed = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("pickup rejected", "borrow_id", borrowID.String(), "error", err)
		}
		return nil, err
	}
	return &confirmed, nil
}

// ReturnCopy closes an ACTIVE (or overdue) loan, charges the fine and
// releases the copy to the queue.
func (s *service) ReturnCopy(ctx context.Context, borrowID uuid.UUID) (*ReturnResult, error) {
	b, err := s.store.GetBorrow(ctx, borrowID)
	if err != nil {
		return nil, err
	}

	var res ReturnResult
	err = s.inTx(ctx, "ReturnCopy", func(ctx context.Context, w *work) error {
		cur, err := s.lockBorrow(ctx, w, b.BookID, borrowID)
		if err != nil {
			return err
		}
		if cur.Status != BorrowActive {
			return fmt.Errorf("%w: cannot return %s borrow", ErrInvalidTransition, cur.Status)
		}
		now := w.now
		cur.Status = BorrowReturned
		cur.ReturnedAt = &now
		cur.Fine = s.fine(cur.DueDate, now)
		cur.UpdatedAt = now
		if err := w.tx.UpdateBorrow(ctx, cur); err != nil {
			return fmt.Errorf("failed to update borrow: %w", err)
		}
		w.record(EventCopyReturned, "borrow", cur.ID, cur.BookID, cur.BorrowerID, map[string]any{
			"copy_id": cur.CopyID,
			"fine":    cur.Fine.String(),
		})

		c, err := w.tx.GetCopy(ctx, cur.CopyID)
		if err != nil {
			return err
		}
		promoted, err := s.releaseCopy(ctx, w, c)
		if err != nil {
			return err
		}
		res = ReturnResult{Borrow: cur, Fine: cur.Fine, Promoted: promoted}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("return rejected", "borrow_id", borrowID.String(), "error", err)
		}
		return nil, err
	}

	s.logger.Info("copy returned", "borrow_id", borrowID.String(), "fine", res.Fine.String())
	return &res, nil
}

// expirePickup cancels a PENDING borrow whose pickup window elapsed. It is a
// no-op for rows that changed since they were listed.
func (s *service) expirePickup(ctx context.Context, bookID, borrowID uuid.UUID) (expired, promoted bool, err error) {
	err = s.inTx(ctx, "ExpirePickup", func(ctx context.Context, w *work) error {
		expired, promoted = false, false
		cur, err := s.lockBorrow(ctx, w, bookID, borrowID)
		if err != nil {
			return err
		}
		if cur.Status != BorrowPending || !w.now.After(cur.PickupDeadline) {
			return nil
		}
		cur.Status = BorrowCancelled
		cur.UpdatedAt = w.now
		if err := w.tx.UpdateBorrow(ctx, cur); err != nil {
			return fmt.Errorf("failed to cancel borrow: %w", err)
		}
		w.record(EventPickupExpired, "borrow", cur.ID, cur.BookID, cur.BorrowerID, map[string]any{
			"copy_id":         cur.CopyID,
			"pickup_deadline": cur.PickupDeadline,
		})

		c, err := w.tx.GetCopy(ctx, cur.CopyID)
		if err != nil {
			return err
		}
		next, err := s.releaseCopy(ctx, w, c)
		if err != nil {
			return err
		}
		expired, promoted = true, next != nil
		return nil
	})
	return expired, promoted, err
}

// fine charges FinePerDay for every started day past due.
func (s *service) fine(due, returned time.Time) decimal.Decimal {
	late := returned.Sub(due)
	if late <= 0 {
		return decimal.Zero
	}
	days := int64((late + 24*time.Hour - 1) / (24 * time.Hour))
	return s.policy.FinePerDay.Mul(decimal.NewFromInt(days))
}

func (s *service) GetBorrow(ctx context.Context, borrowID uuid.UUID) (*Borrow, error) {
	b, err := s.store.GetBorrow(ctx, borrowID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBorrows returns one page of borrows matching filter.
func (s *service) ListBorrows(ctx context.Context, filter BorrowFilter) (*Page[Borrow], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, filter.Status)
	}
	filter.Page, filter.PageSize = normalizePage(filter.Page, filter.PageSize)
	if filter.Now.IsZero() {
		filter.Now = s.Now()
	}
	items, total, err := s.store.ListBorrows(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list borrows: %w", err)
	}
	return newPage(items, total, filter.Page, filter.PageSize), nil
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	st, err := s.store.BorrowStats(ctx, s.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	return &st, nil
}

const (
	defaultTrendDays = 30
	maxTrendDays     = 365
	defaultPopular   = 10
	maxPopular       = 100
)

// Trends returns one entry per UTC day from days ago through today, with
// zero for days on which nothing was picked up.
func (s *service) Trends(ctx context.Context, days int) ([]DailyBorrows, error) {
	if days < 1 {
		days = defaultTrendDays
	}
	days = min(days, maxTrendDays)
	today := s.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -days)

	counts, err := s.store.BorrowsPerDay(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("failed to compute borrow trends: %w", err)
	}
	byDay := make(map[string]int, len(counts))
	for _, c := range counts {
		byDay[c.Date] = c.Count
	}
	out := make([]DailyBorrows, 0, days+1)
	for d := start; !d.After(today); d = d.AddDate(0, 0, 1) {
		key := d.Format(time.DateOnly)
		out = append(out, DailyBorrows{Date: key, Count: byDay[key]})
	}
	return out, nil
}

// PopularBooks returns the most borrowed books.
func (s *service) PopularBooks(ctx context.Context, limit int) ([]BookPopularity, error) {
	if limit < 1 {
		limit = defaultPopular
	}
	books, err := s.store.MostBorrowed(ctx, min(limit, maxPopular))
	if err != nil {
		return nil, fmt.Errorf("failed to rank books: %w", err)
	}
	if books == nil {
		books = []BookPopularity{}
	}
	return books, nil
}

// History returns the event log of a copy, borrow or reservation.
func (s *service) History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error) {
	events, err := s.store.History(ctx, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return events, nil
}
