package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the shared, persistent circulation state. Implementations must
// make InTx serializable with respect to every other InTx touching the same
// book: LockBook blocks until no other transaction holds that book.
type Store interface {
	Reader

	// InTx runs fn in one transaction. A nil return commits, anything else
	// rolls back. A serialization failure is reported as ErrTxConflict.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader is the non-locking read side used for listings and to discover which
// book a borrow or reservation belongs to before locking it.
type Reader interface {
	GetCopy(ctx context.Context, id uuid.UUID) (Copy, error)
	ListCopies(ctx context.Context, bookID uuid.UUID) ([]Copy, error)
	GetBorrow(ctx context.Context, id uuid.UUID) (Borrow, error)
	ListBorrows(ctx context.Context, filter BorrowFilter) ([]Borrow, int, error)
	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, int, error)
	BorrowStats(ctx context.Context, now time.Time) (Stats, error)
	// BorrowsPerDay counts loans picked up at or after since, grouped by UTC
	// day. Days without pickups are omitted.
	BorrowsPerDay(ctx context.Context, since time.Time) ([]DailyBorrows, error)
	// MostBorrowed returns up to limit books by picked-up loan count,
	// highest first, ties by book id.
	MostBorrowed(ctx context.Context, limit int) ([]BookPopularity, error)
	// History returns the logged events of one copy, borrow or reservation, oldest first.
	History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)
	// QueuePosition returns the 1-based place of a PENDING reservation in its book's queue.
	QueuePosition(ctx context.Context, r Reservation) (int, error)

	// PickupsPastDeadline lists PENDING borrows whose pickup deadline is before now.
	PickupsPastDeadline(ctx context.Context, now time.Time, limit int) ([]Borrow, error)
	// ReservationsPastExpiry lists PENDING reservations whose expiry is before now.
	ReservationsPastExpiry(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

// Tx is the row-level view inside one transaction. Every mutating
// operation must first LockBook the book it touches; locks are always taken
// book first, then borrow and reservation rows.
type Tx interface {
	// LockBook locks the copy pool of bookID and returns the number of
	// copies that are not soft-removed.
	LockBook(ctx context.Context, bookID uuid.UUID) (int, error)
	// FirstAvailableCopy returns the AVAILABLE copy with the lowest id, or
	// ErrNoCopyAvailable.
	FirstAvailableCopy(ctx context.Context, bookID uuid.UUID) (Copy, error)
	GetCopy(ctx context.Context, id uuid.UUID) (Copy, error)
	InsertCopy(ctx context.Context, c Copy) error
	UpdateCopy(ctx context.Context, c Copy) error

	GetBorrow(ctx context.Context, id uuid.UUID) (Borrow, error)
	InsertBorrow(ctx context.Context, b Borrow) error
	UpdateBorrow(ctx context.Context, b Borrow) error
	// HasOpenBorrow reports whether borrowerID holds a PENDING or ACTIVE loan of bookID.
	HasOpenBorrow(ctx context.Context, borrowerID, bookID uuid.UUID) (bool, error)

	GetReservation(ctx context.Context, id uuid.UUID) (Reservation, error)
	InsertReservation(ctx context.Context, r Reservation) error
	UpdateReservation(ctx context.Context, r Reservation) error
	// PendingReservation returns borrowerID's PENDING reservation of bookID, or ErrNotFound.
	PendingReservation(ctx context.Context, borrowerID, bookID uuid.UUID) (Reservation, error)
	// QueueHead returns the oldest PENDING reservation of bookID by
	// reserved_at (ties by id), or ErrNotFound.
	QueueHead(ctx context.Context, bookID uuid.UUID) (Reservation, error)

	AppendEvents(ctx context.Context, events ...Event) error
}

// BorrowFilter selects borrows for listings. Status may be BorrowOverdue, and
// BorrowActive then excludes overdue loans; both are evaluated against Now.
type BorrowFilter struct {
	BorrowerID *uuid.UUID
	BookID     *uuid.UUID
	Status     BorrowStatus
	Now        time.Time
	Page       int
	PageSize   int
}

// ReservationFilter selects reservations for listings. When FIFO is set the
// result is ordered oldest first, otherwise newest first.
type ReservationFilter struct {
	BorrowerID *uuid.UUID
	BookID     *uuid.UUID
	Status     ReservationStatus
	FIFO       bool
	Page       int
	PageSize   int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

// Offset returns the row offset of the filter's page.
func (f BorrowFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Offset returns the row offset of the filter's page.
func (f ReservationFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
