// internal/circulation/domain.go
package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CopyStatus is the ledger state of one physical copy.
type CopyStatus string

const (
	CopyAvailable CopyStatus = "AVAILABLE"
	CopyBorrowed  CopyStatus = "BORROWED"
)

// Copy is one physical, trackable instance of a book.
type Copy struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	BookID    uuid.UUID  `json:"book_id" db:"book_id"`
	Barcode   string     `json:"barcode" db:"barcode"`
	Status    CopyStatus `json:"status" db:"status"`
	RemovedAt *time.Time `json:"removed_at,omitempty" db:"removed_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Removed reports whether the copy was soft-removed from circulation.
func (c Copy) Removed() bool {
	return c.RemovedAt != nil
}

// BorrowStatus is the stored state of a loan. BorrowOverdue is never stored;
// it only appears through Borrow.EffectiveStatus.
type BorrowStatus string

const (
	BorrowPending   BorrowStatus = "PENDING"
	BorrowActive    BorrowStatus = "ACTIVE"
	BorrowReturned  BorrowStatus = "RETURNED"
	BorrowOverdue   BorrowStatus = "OVERDUE"
	BorrowCancelled BorrowStatus = "CANCELLED"
)

// Open reports whether a borrow in this state still holds its copy.
func (s BorrowStatus) Open() bool {
	return s == BorrowPending || s == BorrowActive || s == BorrowOverdue
}

// Valid reports whether s is a status clients may filter by.
func (s BorrowStatus) Valid() bool {
	switch s {
	case BorrowPending, BorrowActive, BorrowReturned, BorrowOverdue, BorrowCancelled:
		return true
	}
	return false
}

// Borrow is one loan of a specific copy to a borrower.
type Borrow struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	BorrowerID     uuid.UUID       `json:"borrower_id" db:"borrower_id"`
	CopyID         uuid.UUID       `json:"copy_id" db:"copy_id"`
	BookID         uuid.UUID       `json:"book_id" db:"book_id"`
	ReservationID  *uuid.UUID      `json:"reservation_id,omitempty" db:"reservation_id"`
	Status         BorrowStatus    `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	BorrowedAt     *time.Time      `json:"borrowed_at,omitempty" db:"borrowed_at"`
	PickupDeadline time.Time       `json:"pickup_deadline" db:"pickup_deadline"`
	DueDate        time.Time       `json:"due_date" db:"due_date"`
	ReturnedAt     *time.Time      `json:"returned_at,omitempty" db:"returned_at"`
	DepositFee     int64           `json:"deposit_fee" db:"deposit_fee"`
	DepositPaid    bool            `json:"deposit_paid" db:"deposit_paid"`
	Fine           decimal.Decimal `json:"fine" db:"fine"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// EffectiveStatus is the status shown to clients: an ACTIVE loan past its
// due date reads as OVERDUE.
func (b Borrow) EffectiveStatus(now time.Time) BorrowStatus {
	if b.Status == BorrowActive && now.After(b.DueDate) {
		return BorrowOverdue
	}
	return b.Status
}

// ReservationStatus is the state of a place in a book's waitlist.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationFulfilled ReservationStatus = "FULFILLED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Valid reports whether s is a known reservation status.
func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationPending, ReservationFulfilled, ReservationCancelled, ReservationExpired:
		return true
	}
	return false
}

// Reservation is a borrower's place in line for a book with no free copy.
type Reservation struct {
	ID          uuid.UUID         `json:"id" db:"id"`
	BorrowerID  uuid.UUID         `json:"borrower_id" db:"borrower_id"`
	BookID      uuid.UUID         `json:"book_id" db:"book_id"`
	Status      ReservationStatus `json:"status" db:"status"`
	ReservedAt  time.Time         `json:"reserved_at" db:"reserved_at"`
	ExpiresAt   time.Time         `json:"expires_at" db:"expires_at"`
	FulfilledAt *time.Time        `json:"fulfilled_at,omitempty" db:"fulfilled_at"`
	BorrowID    *uuid.UUID        `json:"borrow_id,omitempty" db:"borrow_id"`
	DepositFee  int64             `json:"deposit_fee" db:"deposit_fee"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`

	// QueuePosition is computed on read for pending reservations (1 = next in line).
	QueuePosition int `json:"queue_position,omitempty" db:"-"`
}

// Availability summarizes the copy pool of one book.
type Availability struct {
	BookID    uuid.UUID `json:"book_id"`
	Total     int       `json:"total_copies"`
	Available int       `json:"available_copies"`
}

// Stats is the librarian dashboard aggregation.
type Stats struct {
	ActiveBorrows  int `json:"active_borrows"`
	OverdueBooks   int `json:"overdue_books"`
	PendingPickups int `json:"pending_pickups"`
	ReturnedToday  int `json:"returned_today"`
}

// DailyBorrows is the number of loans picked up on one UTC day.
type DailyBorrows struct {
	Date  string `json:"date" db:"date"` // YYYY-MM-DD
	Count int    `json:"count" db:"count"`
}

// BookPopularity counts the picked-up loans of one book.
type BookPopularity struct {
	BookID      uuid.UUID `json:"book_id" db:"book_id"`
	BorrowCount int       `json:"borrow_count" db:"borrow_count"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

func newPage[T any](items []T, total, page, pageSize int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if total > 0 && pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return &Page[T]{Items: items, Total: total, Page: page, PageSize: pageSize, TotalPages: pages}
}

// EventType names a circulation state transition.
type EventType string

const (
	EventCopyAdded            EventType = "CopyAdded"
	EventCopyRemoved          EventType = "CopyRemoved"
	EventBorrowCreated        EventType = "BorrowCreated"
	EventPickupConfirmed      EventType = "PickupConfirmed"
	EventCopyReturned         EventType = "CopyReturned"
	EventPickupExpired        EventType = "PickupExpired"
	EventReservationCreated   EventType = "ReservationCreated"
	EventReservationCancelled EventType = "ReservationCancelled"
	EventReservationFulfilled EventType = "ReservationFulfilled"
	EventReservationExpired   EventType = "ReservationExpired"
)

// Event is appended to the circulation log in the same transaction as the
// state change it describes.
type Event struct {
	Type          EventType `json:"type"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	AggregateType string    `json:"aggregate_type"`
	BookID        uuid.UUID `json:"book_id"`
	BorrowerID    uuid.UUID `json:"borrower_id,omitempty"`
	Data          any       `json:"data"`
	OccurredAt    time.Time `json:"occurred_at"`
}
