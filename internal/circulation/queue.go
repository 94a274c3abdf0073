// internal/circulation/queue.go
package circulation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// enqueueLocked appends borrowerID to the waitlist of bookID. The caller
// must hold the book lock.
func (s *service) enqueueLocked(ctx context.Context, w *work, borrowerID, bookID uuid.UUID, fee int64) (Reservation, error) {
	busy, err := w.tx.HasOpenBorrow(ctx, borrowerID, bookID)
	if err != nil {
		return Reservation{}, err
	}
	if busy {
		return Reservation{}, ErrAlreadyBorrowing
	}

	_, err = w.tx.PendingReservation(ctx, borrowerID, bookID)
	switch {
	case err == nil:
		return Reservation{}, ErrDuplicateReservation
	case !errors.Is(err, ErrNotFound):
		return Reservation{}, err
	}

	r := Reservation{
		ID:         uuid.New(),
		BorrowerID: borrowerID,
		BookID:     bookID,
		Status:     ReservationPending,
		ReservedAt: w.now,
		ExpiresAt:  w.now.Add(s.policy.ReservationTTL),
		DepositFee: fee,
		UpdatedAt:  w.now,
	}
	if err := w.tx.InsertReservation(ctx, r); err != nil {
		return Reservation{}, fmt.Errorf("failed to insert reservation: %w", err)
	}
	w.record(EventReservationCreated, "reservation", r.ID, bookID, borrowerID, map[string]any{"expires_at": r.ExpiresAt})
	s.metrics.reservationsCreated.Add(ctx, 1)
	return r, nil
}

// promote fulfills the queue head r with copy c, which the caller already
// holds as BORROWED.
func (s *service) promote(ctx context.Context, w *work, r Reservation, c Copy) (*Borrow, error) {
	b, err := s.createBorrow(ctx, w, r.BorrowerID, c, w.now.Add(s.policy.LoanPeriod), r.DepositFee, &r.ID)
	if err != nil {
		return nil, err
	}
	now := w.now
	r.Status = ReservationFulfilled
	r.FulfilledAt = &now
	r.BorrowID = &b.ID
	r.UpdatedAt = now
	if err := w.tx.UpdateReservation(ctx, r); err != nil {
		return nil, fmt.Errorf("failed to fulfill reservation: %w", err)
	}
	w.record(EventReservationFulfilled, "reservation", r.ID, r.BookID, r.BorrowerID, map[string]any{
		"borrow_id":       b.ID,
		"copy_id":         c.ID,
		"pickup_deadline": b.PickupDeadline,
	})
	s.metrics.promotions.Add(ctx, 1)
	return &b, nil
}

// Reserve queues borrowerID for bookID. Books with a free copy are borrowed, not reserved.
func (s *service) Reserve(ctx context.Context, borrowerID, bookID uuid.UUID) (*Reservation, error) {
	fee := s.depositFee(ctx, bookID)

	var reserved Reservation
	err := s.inTx(ctx, "Reserve", func(ctx context.Context, w *work) error {
		n, err := w.tx.LockBook(ctx, bookID)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: book %s has no copies", ErrNotFound, bookID)
		}
		_, err = w.tx.FirstAvailableCopy(ctx, bookID)
		switch {
		case err == nil:
			return ErrCopyAvailable
		case !errors.Is(err, ErrNoCopyAvailable):
			return err
		}
		r, err := s.enqueueLocked(ctx, w, borrowerID, bookID, fee)
		if err != nil {
			return err
		}
		reserved = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reserved, nil
}

// CancelReservation withdraws a PENDING reservation. Only its owner may do so.
func (s *service) CancelReservation(ctx context.Context, reservationID, requesterID uuid.UUID) (*Reservation, error) {
	r, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.BorrowerID != requesterID {
		return nil, ErrForbidden
	}

	var cancelled Reservation
	err = s.inTx(ctx, "CancelReservation", func(ctx context.Context, w *work) error {
		if _, err := w.tx.LockBook(ctx, r.BookID); err != nil {
			return err
		}
		cur, err := w.tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if cur.Status != ReservationPending {
			return fmt.Errorf("%w: reservation is %s", ErrInvalidTransition, cur.Status)
		}
		cur.Status = ReservationCancelled
		cur.UpdatedAt = w.now
		if err := w.tx.UpdateReservation(ctx, cur); err != nil {
			return fmt.Errorf("failed to cancel reservation: %w", err)
		}
		w.record(EventReservationCancelled, "reservation", cur.ID, cur.BookID, cur.BorrowerID, nil)
		cancelled = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn("reservation cancel rejected", "reservation_id", reservationID.String(), "error", err)
		}
		return nil, err
	}
	return &cancelled, nil
}

// expireReservation flips a stale PENDING reservation to EXPIRED.
func (s *service) expireReservation(ctx context.Context, bookID, reservationID uuid.UUID) (bool, error) {
	var expired bool
	err := s.inTx(ctx, "ExpireReservation", func(ctx context.Context, w *work) error {
		expired = false
		if _, err := w.tx.LockBook(ctx, bookID); err != nil {
			return err
		}
		cur, err := w.tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		if cur.Status != ReservationPending || !w.now.After(cur.ExpiresAt) {
			return nil
		}
		cur.Status = ReservationExpired
		cur.UpdatedAt = w.now
		if err := w.tx.UpdateReservation(ctx, cur); err != nil {
			return fmt.Errorf("failed to expire reservation: %w", err)
		}
		w.record(EventReservationExpired, "reservation", cur.ID, cur.BookID, cur.BorrowerID, map[string]any{"expires_at": cur.ExpiresAt})
		expired = true
		return nil
	})
	return expired, err
}

// ListReservations returns one page of reservations, newest first unless
// filter.FIFO is set. Pending rows carry their queue position.
func (s *service) ListReservations(ctx context.Context, filter ReservationFilter) (*Page[Reservation], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, filter.Status)
	}
	filter.Page, filter.PageSize = normalizePage(filter.Page, filter.PageSize)
	items, total, err := s.store.ListReservations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	for i := range items {
		if items[i].Status != ReservationPending {
			continue
		}
		pos, err := s.store.QueuePosition(ctx, items[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compute queue position: %w", err)
		}
		items[i].QueuePosition = pos
	}
	return newPage(items, total, filter.Page, filter.PageSize), nil
}

// BookQueue lists the pending waitlist of a book in fulfillment order.
func (s *service) BookQueue(ctx context.Context, bookID uuid.UUID, page, pageSize int) (*Page[Reservation], error) {
	filter := ReservationFilter{BookID: &bookID, Status: ReservationPending, FIFO: true}
	filter.Page, filter.PageSize = normalizePage(page, pageSize)
	items, total, err := s.store.ListReservations(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	for i := range items {
		items[i].QueuePosition = filter.Offset() + i + 1
	}
	return newPage(items, total, filter.Page, filter.PageSize), nil
}
