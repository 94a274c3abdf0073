// internal/circulation/ledger.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// tryReserveCopy flips the lowest-id AVAILABLE copy of bookID to BORROWED.
// The caller must hold the book lock. ErrNoCopyAvailable leaves no trace.
func (s *service) tryReserveCopy(ctx context.Context, w *work, bookID uuid.UUID) (Copy, error) {
	c, err := w.tx.FirstAvailableCopy(ctx, bookID)
	if err != nil {
		return Copy{}, err
	}
	c.Status = CopyBorrowed
	c.UpdatedAt = w.now
	if err := w.tx.UpdateCopy(ctx, c); err != nil {
		return Copy{}, fmt.Errorf("failed to reserve copy: %w", err)
	}
	return c, nil
}

// releaseCopy hands a freed copy to the head of the book's queue. The copy
// only becomes AVAILABLE when nobody is waiting. Returns the borrow created
// for the queue head, if any.
func (s *service) releaseCopy(ctx context.Context, w *work, c Copy) (*Borrow, error) {
	for {
		head, err := w.tx.QueueHead(ctx, c.BookID)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read queue head: %w", err)
		}

		// A borrower cannot hold two open loans of one book; drop the stale place in line.
		busy, err := w.tx.HasOpenBorrow(ctx, head.BorrowerID, head.BookID)
		if err != nil {
			return nil, err
		}
		if busy {
			head.Status = ReservationCancelled
			head.UpdatedAt = w.now
			if err := w.tx.UpdateReservation(ctx, head); err != nil {
				return nil, fmt.Errorf("failed to cancel reservation: %w", err)
			}
			w.record(EventReservationCancelled, "reservation", head.ID, head.BookID, head.BorrowerID, map[string]string{"reason": ReasonAlreadyBorrowing})
			continue
		}

		c.Status = CopyBorrowed
		c.UpdatedAt = w.now
		if err := w.tx.UpdateCopy(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to update copy: %w", err)
		}
		return s.promote(ctx, w, head, c)
	}

	c.Status = CopyAvailable
	c.UpdatedAt = w.now
	if err := w.tx.UpdateCopy(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to release copy: %w", err)
	}
	return nil, nil
}

// AddCopy registers a new physical copy. A waiting reservation gets it first.
func (s *service) AddCopy(ctx context.Context, bookID uuid.UUID, barcode string) (*Copy, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, fmt.Errorf("%w: barcode is required", ErrInvalidPayload)
	}

	var addedCopy Copy
	err := s.inTx(ctx, "AddCopy", func(ctx context.Context, w *work) error {
		if _, err := w.tx.LockBook(ctx, bookID); err != nil {
			return err
		}
		c := Copy{
			ID:        uuid.New(),
			BookID:    bookID,
			Barcode:   barcode,
			Status:    CopyBorrowed,
			CreatedAt: w.now,
			UpdatedAt: w.now,
		}
		if err := w.tx.InsertCopy(ctx, c); err != nil {
			return fmt.Errorf("failed to insert copy: %w", err)
		}
		w.record(EventCopyAdded, "copy", c.ID, bookID, uuid.Nil, map[string]string{"barcode": barcode})

		if _, err := s.releaseCopy(ctx, w, c); err != nil {
			return err
		}
		got, err := w.tx.GetCopy(ctx, c.ID)
		if err != nil {
			return err
		}
		addedCopy = got
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("copy added", "copy_id", addedCopy.ID.String(), "book_id", bookID.String(), "status", string(addedCopy.Status))
	return &addedCopy, nil
}

// RemoveCopy soft-removes a copy from circulation. Borrowed copies stay.
func (s *service) RemoveCopy(ctx context.Context, copyID uuid.UUID) (*Copy, error) {
	c, err := s.store.GetCopy(ctx, copyID)
	if err != nil {
		return nil, err
	}

	var removed Copy
	err = s.inTx(ctx, "RemoveCopy", func(ctx context.Context, w *work) error {
		if _, err := w.tx.LockBook(ctx, c.BookID); err != nil {
			return err
		}
		cur, err := w.tx.GetCopy(ctx, copyID)
		if err != nil {
			return err
		}
		if cur.Removed() {
			return fmt.Errorf("%w: copy already removed", ErrInvalidTransition)
		}
		if cur.Status == CopyBorrowed {
			return ErrCopyInUse
		}
		now := w.now
		cur.RemovedAt = &now
		cur.UpdatedAt = now
		if err := w.tx.UpdateCopy(ctx, cur); err != nil {
			return fmt.Errorf("failed to remove copy: %w", err)
		}
		w.record(EventCopyRemoved, "copy", cur.ID, cur.BookID, uuid.Nil, nil)
		removed = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &removed, nil
}

func (s *service) ListCopies(ctx context.Context, bookID uuid.UUID) ([]Copy, error) {
	copies, err := s.store.ListCopies(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("failed to list copies: %w", err)
	}
	return copies, nil
}

// Availability counts the copies of a book still in circulation.
func (s *service) Availability(ctx context.Context, bookID uuid.UUID) (*Availability, error) {
	copies, err := s.ListCopies(ctx, bookID)
	if err != nil {
		return nil, err
	}
	a := &Availability{BookID: bookID}
	for _, c := range copies {
		if c.Removed() {
			continue
		}
		a.Total++
		if c.Status == CopyAvailable {
			a.Available++
		}
	}
	return a, nil
}
