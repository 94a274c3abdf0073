// internal/circulation/checkout.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckoutResult reports every line of a cart: borrowed, queued or rejected.
type CheckoutResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Borrows []Borrow     `json:"borrow_records"`
	Failed  []FailedBook `json:"failed_books"`
}

// FailedBook is a cart line that did not produce a borrow. Reason is
// "reserved" when the borrower was queued instead.
type FailedBook struct {
	BookID        uuid.UUID  `json:"book_id"`
	Reason        string     `json:"reason"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
}

// Queued reports whether the line ended in the waitlist.
func (f FailedBook) Queued() bool {
	return f.Reason == ReasonReserved
}

// Checkout resolves each book independently in its own transaction, so one
// unavailable or rejected line never blocks the others.
func (s *service) Checkout(ctx context.Context, borrowerID uuid.UUID, bookIDs []uuid.UUID, dueDate *time.Time) (*CheckoutResult, error) {
	if len(bookIDs) == 0 {
		return nil, fmt.Errorf("%w: no books to check out", ErrInvalidPayload)
	}
	now := s.Now()
	due := now.Add(s.policy.LoanPeriod)
	if dueDate != nil {
		if !dueDate.After(now) {
			return nil, ErrInvalidDueDate
		}
		due = dueDate.UTC()
	}
	s.metrics.checkouts.Add(ctx, 1)

	res := &CheckoutResult{Borrows: []Borrow{}, Failed: []FailedBook{}}
	seen := make(map[uuid.UUID]bool, len(bookIDs))
	for _, bookID := range bookIDs {
		if seen[bookID] {
			res.Failed = append(res.Failed, FailedBook{BookID: bookID, Reason: ReasonDuplicate})
			continue
		}
		seen[bookID] = true

		b, r, err := s.checkoutLine(ctx, borrowerID, bookID, due)
		switch {
		case err == nil && b != nil:
			res.Borrows = append(res.Borrows, *b)
		case err == nil && r != nil:
			res.Failed = append(res.Failed, FailedBook{BookID: bookID, Reason: ReasonReserved, ReservationID: &r.ID})
		case isCanceled(err):
			return nil, err
		default:
			reason := Reason(err)
			if reason == ReasonError {
				s.logger.Error("checkout line failed", "borrower_id", borrowerID.String(), "book_id", bookID.String(), "error", err)
			}
			res.Failed = append(res.Failed, FailedBook{BookID: bookID, Reason: reason})
		}
	}

	res.Success = len(res.Borrows) > 0
	res.Message = checkoutMessage(res, len(bookIDs))
	s.logger.Info("checkout completed", "borrower_id", borrowerID.String(), "borrowed", len(res.Borrows), "failed", len(res.Failed))
	return res, nil
}

// checkoutLine runs one book's transaction: take a copy, or queue the borrower.
func (s *service) checkoutLine(ctx context.Context, borrowerID, bookID uuid.UUID, due time.Time) (*Borrow, *Reservation, error) {
	fee := s.depositFee(ctx, bookID)

	var (
		borrow      *Borrow
		reservation *Reservation
	)
	err := s.inTx(ctx, "Checkout", func(ctx context.Context, w *work) error {
		borrow, reservation = nil, nil

		n, err := w.tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: book %s has no copies", ErrNotFound, bookID)
		}
		busy, err := w.tx.HasOpenBorrow(ctx, borrowerID, bookID)
		if err != nil {
			return err
		}
		if busy {
			return ErrAlreadyBorrowing
		}

		c, err := s.tryReserveCopy(ctx, w, bookID)
		if errors.Is(err, ErrNoCopyAvailable) {
			r, err := s.enqueueLocked(ctx, w, borrowerID, bookID, fee)
			if err != nil {
				return err
			}
			reservation = &r
			return nil
		}
		if err != nil {
			return err
		}

		b, err := s.createBorrow(ctx, w, borrowerID, c, due, fee, nil)
		if err != nil {
			return err
		}
		borrow = &b
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return borrow, reservation, nil
}

func checkoutMessage(res *CheckoutResult, requested int) string {
	queued := 0
	for _, f := range res.Failed {
		if f.Queued() {
			queued++
		}
	}
	switch {
	case len(res.Borrows) == requested:
		return fmt.Sprintf("Borrowed %d book(s). Pick them up within the pickup window.", len(res.Borrows))
	case len(res.Borrows) > 0:
		return fmt.Sprintf("Borrowed %d of %d book(s), %d queued for reservation.", len(res.Borrows), requested, queued)
	case queued > 0:
		return fmt.Sprintf("No copies available, %d book(s) queued for reservation.", queued)
	default:
		return "No books could be borrowed."
	}
}
