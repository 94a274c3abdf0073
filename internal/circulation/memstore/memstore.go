// Package memstore is an in-process circulation.Store. Transactions are
// serialized by one mutex and applied copy-on-commit, so a failed
// transaction leaves nothing behind.
package memstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"libranexus/internal/circulation"
)

var errConstraint = errors.New("constraint violation")

type state struct {
	copies       map[uuid.UUID]circulation.Copy
	borrows      map[uuid.UUID]circulation.Borrow
	reservations map[uuid.UUID]circulation.Reservation
	events       []circulation.Event
}

func (s *state) clone() *state {
	return &state{
		copies:       maps.Clone(s.copies),
		borrows:      maps.Clone(s.borrows),
		reservations: maps.Clone(s.reservations),
		events:       slices.Clone(s.events),
	}
}

type Store struct {
	mu        sync.RWMutex
	st        *state
	conflicts int
}

func New() *Store {
	return &Store{st: &state{
		copies:       make(map[uuid.UUID]circulation.Copy),
		borrows:      make(map[uuid.UUID]circulation.Borrow),
		reservations: make(map[uuid.UUID]circulation.Reservation),
	}}
}

// InjectConflicts makes the next n transactions fail with ErrTxConflict
// after running, as a concurrent writer would.
func (s *Store) InjectConflicts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx circulation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if s.conflicts > 0 {
		s.conflicts--
		return fmt.Errorf("%w: injected", circulation.ErrTxConflict)
	}
	s.st = work
	return nil
}

// Events returns every event committed so far.
func (s *Store) Events() []circulation.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.st.events)
}

func (s *Store) History(_ context.Context, aggregateID uuid.UUID) ([]circulation.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []circulation.Event{}
	for _, e := range s.st.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetCopy(_ context.Context, id uuid.UUID) (circulation.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCopy(s.st, id)
}

func (s *Store) ListCopies(_ context.Context, bookID uuid.UUID) ([]circulation.Copy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []circulation.Copy{}
	for _, c := range s.st.copies {
		if c.BookID == bookID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0 })
	return out, nil
}

func (s *Store) GetBorrow(_ context.Context, id uuid.UUID) (circulation.Borrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBorrow(s.st, id)
}

func (s *Store) ListBorrows(_ context.Context, f circulation.BorrowFilter) ([]circulation.Borrow, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []circulation.Borrow
	for _, b := range s.st.borrows {
		if f.BorrowerID != nil && b.BorrowerID != *f.BorrowerID {
			continue
		}
		if f.BookID != nil && b.BookID != *f.BookID {
			continue
		}
		if f.Status != "" && b.EffectiveStatus(f.Now) != f.Status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) > 0
	})
	return paginate(out, f.Offset(), f.PageSize), len(out), nil
}

func (s *Store) GetReservation(_ context.Context, id uuid.UUID) (circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReservation(s.st, id)
}

func (s *Store) ListReservations(_ context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []circulation.Reservation
	for _, r := range s.st.reservations {
		if f.BorrowerID != nil && r.BorrowerID != *f.BorrowerID {
			continue
		}
		if f.BookID != nil && r.BookID != *f.BookID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if f.FIFO {
			return queueLess(out[i], out[j])
		}
		return queueLess(out[j], out[i])
	})
	return paginate(out, f.Offset(), f.PageSize), len(out), nil
}

func (s *Store) QueuePosition(_ context.Context, r circulation.Reservation) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := 1
	for _, other := range s.st.reservations {
		if other.BookID == r.BookID && other.Status == circulation.ReservationPending && queueLess(other, r) {
			pos++
		}
	}
	return pos, nil
}

func (s *Store) BorrowStats(_ context.Context, now time.Time) (circulation.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st circulation.Stats
	day := now.UTC().Truncate(24 * time.Hour)
	for _, b := range s.st.borrows {
		switch b.EffectiveStatus(now) {
		case circulation.BorrowActive:
			st.ActiveBorrows++
		case circulation.BorrowOverdue:
			st.OverdueBooks++
		case circulation.BorrowPending:
			st.PendingPickups++
		case circulation.BorrowReturned:
			if b.ReturnedAt != nil && !b.ReturnedAt.Before(day) {
				st.ReturnedToday++
			}
		}
	}
	return st, nil
}

func (s *Store) BorrowsPerDay(_ context.Context, since time.Time) ([]circulation.DailyBorrows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[string]int{}
	for _, b := range s.st.borrows {
		if b.BorrowedAt == nil || b.BorrowedAt.Before(since) {
			continue
		}
		counts[b.BorrowedAt.UTC().Format(time.DateOnly)]++
	}
	out := make([]circulation.DailyBorrows, 0, len(counts))
	for _, day := range slices.Sorted(maps.Keys(counts)) {
		out = append(out, circulation.DailyBorrows{Date: day, Count: counts[day]})
	}
	return out, nil
}

func (s *Store) MostBorrowed(_ context.Context, limit int) ([]circulation.BookPopularity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[uuid.UUID]int{}
	for _, b := range s.st.borrows {
		if b.BorrowedAt != nil {
			counts[b.BookID]++
		}
	}
	out := make([]circulation.BookPopularity, 0, len(counts))
	for id, n := range counts {
		out = append(out, circulation.BookPopularity{BookID: id, BorrowCount: n})
	}
	slices.SortFunc(out, func(a, b circulation.BookPopularity) int {
		if a.BorrowCount != b.BorrowCount {
			return b.BorrowCount - a.BorrowCount
		}
		return bytes.Compare(a.BookID[:], b.BookID[:])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PickupsPastDeadline(_ context.Context, now time.Time, limit int) ([]circulation.Borrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []circulation.Borrow
	for _, b := range s.st.borrows {
		if b.Status == circulation.BorrowPending && now.After(b.PickupDeadline) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PickupDeadline.Before(out[j].PickupDeadline) })
	return paginate(out, 0, limit), nil
}

func (s *Store) ReservationsPastExpiry(_ context.Context, now time.Time, limit int) ([]circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []circulation.Reservation
	for _, r := range s.st.reservations {
		if r.Status == circulation.ReservationPending && now.After(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return paginate(out, 0, limit), nil
}

// tx works on a private clone of the state; the store mutex is held for its
// whole lifetime, so LockBook has nothing left to lock.
type tx struct {
	st *state
}

func (t *tx) LockBook(_ context.Context, bookID uuid.UUID) (int, error) {
	n := 0
	for _, c := range t.st.copies {
		if c.BookID == bookID && !c.Removed() {
			n++
		}
	}
	return n, nil
}

func (t *tx) FirstAvailableCopy(_ context.Context, bookID uuid.UUID) (circulation.Copy, error) {
	var (
		best  circulation.Copy
		found bool
	)
	for _, c := range t.st.copies {
		if c.BookID != bookID || c.Removed() || c.Status != circulation.CopyAvailable {
			continue
		}
		if !found || bytes.Compare(c.ID[:], best.ID[:]) < 0 {
			best, found = c, true
		}
	}
	if !found {
		return circulation.Copy{}, circulation.ErrNoCopyAvailable
	}
	return best, nil
}

func (t *tx) GetCopy(_ context.Context, id uuid.UUID) (circulation.Copy, error) {
	return getCopy(t.st, id)
}

func (t *tx) InsertCopy(_ context.Context, c circulation.Copy) error {
	if _, ok := t.st.copies[c.ID]; ok {
		return fmt.Errorf("%w: copy %s exists", errConstraint, c.ID)
	}
	for _, other := range t.st.copies {
		if other.Barcode == c.Barcode {
			return circulation.ErrDuplicateBarcode
		}
	}
	t.st.copies[c.ID] = c
	return nil
}

func (t *tx) UpdateCopy(_ context.Context, c circulation.Copy) error {
	if _, ok := t.st.copies[c.ID]; !ok {
		return circulation.ErrNotFound
	}
	t.st.copies[c.ID] = c
	return nil
}

func (t *tx) GetBorrow(_ context.Context, id uuid.UUID) (circulation.Borrow, error) {
	return getBorrow(t.st, id)
}

func (t *tx) InsertBorrow(_ context.Context, b circulation.Borrow) error {
	if _, ok := t.st.borrows[b.ID]; ok {
		return fmt.Errorf("%w: borrow %s exists", errConstraint, b.ID)
	}
	if err := t.checkOpenBorrow(b); err != nil {
		return err
	}
	t.st.borrows[b.ID] = b
	return nil
}

func (t *tx) UpdateBorrow(_ context.Context, b circulation.Borrow) error {
	if _, ok := t.st.borrows[b.ID]; !ok {
		return circulation.ErrNotFound
	}
	if err := t.checkOpenBorrow(b); err != nil {
		return err
	}
	t.st.borrows[b.ID] = b
	return nil
}

// checkOpenBorrow mirrors the partial unique index on open borrows per copy.
func (t *tx) checkOpenBorrow(b circulation.Borrow) error {
	if !isOpen(b.Status) {
		return nil
	}
	for _, other := range t.st.borrows {
		if other.ID != b.ID && other.CopyID == b.CopyID && isOpen(other.Status) {
			return fmt.Errorf("%w: copy %s already has open borrow %s", errConstraint, b.CopyID, other.ID)
		}
	}
	return nil
}

func (t *tx) HasOpenBorrow(_ context.Context, borrowerID, bookID uuid.UUID) (bool, error) {
	for _, b := range t.st.borrows {
		if b.BorrowerID == borrowerID && b.BookID == bookID && isOpen(b.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) GetReservation(_ context.Context, id uuid.UUID) (circulation.Reservation, error) {
	return getReservation(t.st, id)
}

func (t *tx) InsertReservation(_ context.Context, r circulation.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s exists", errConstraint, r.ID)
	}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *tx) UpdateReservation(_ context.Context, r circulation.Reservation) error {
	if _, ok := t.st.reservations[r.ID]; !ok {
		return circulation.ErrNotFound
	}
	t.st.reservations[r.ID] = r
	return nil
}

func (t *tx) PendingReservation(_ context.Context, borrowerID, bookID uuid.UUID) (circulation.Reservation, error) {
	for _, r := range t.st.reservations {
		if r.BorrowerID == borrowerID && r.BookID == bookID && r.Status == circulation.ReservationPending {
			return r, nil
		}
	}
	return circulation.Reservation{}, circulation.ErrNotFound
}

func (t *tx) QueueHead(_ context.Context, bookID uuid.UUID) (circulation.Reservation, error) {
	var (
		head  circulation.Reservation
		found bool
	)
	for _, r := range t.st.reservations {
		if r.BookID != bookID || r.Status != circulation.ReservationPending {
			continue
		}
		if !found || queueLess(r, head) {
			head, found = r, true
		}
	}
	if !found {
		return circulation.Reservation{}, circulation.ErrNotFound
	}
	return head, nil
}

func (t *tx) AppendEvents(_ context.Context, events ...circulation.Event) error {
	t.st.events = append(t.st.events, events...)
	return nil
}

func getCopy(st *state, id uuid.UUID) (circulation.Copy, error) {
	c, ok := st.copies[id]
	if !ok {
		return circulation.Copy{}, fmt.Errorf("copy %s: %w", id, circulation.ErrNotFound)
	}
	return c, nil
}

func getBorrow(st *state, id uuid.UUID) (circulation.Borrow, error) {
	b, ok := st.borrows[id]
	if !ok {
		return circulation.Borrow{}, fmt.Errorf("borrow %s: %w", id, circulation.ErrNotFound)
	}
	return b, nil
}

func getReservation(st *state, id uuid.UUID) (circulation.Reservation, error) {
	r, ok := st.reservations[id]
	if !ok {
		return circulation.Reservation{}, fmt.Errorf("reservation %s: %w", id, circulation.ErrNotFound)
	}
	return r, nil
}

func isOpen(s circulation.BorrowStatus) bool {
	return s == circulation.BorrowPending || s == circulation.BorrowActive
}

// queueLess orders reservations by reserved_at, ties by id.
func queueLess(a, b circulation.Reservation) bool {
	if !a.ReservedAt.Equal(b.ReservedAt) {
		return a.ReservedAt.Before(b.ReservedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
