// internal/circulation/service.go
package circulation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the circulation engine.
type Service interface {
	AddCopy(ctx context.Context, bookID uuid.UUID, barcode string) (*Copy, error)
	RemoveCopy(ctx context.Context, copyID uuid.UUID) (*Copy, error)
	ListCopies(ctx context.Context, bookID uuid.UUID) ([]Copy, error)
	Availability(ctx context.Context, bookID uuid.UUID) (*Availability, error)

	Checkout(ctx context.Context, borrowerID uuid.UUID, bookIDs []uuid.UUID, dueDate *time.Time) (*CheckoutResult, error)

	Reserve(ctx context.Context, borrowerID, bookID uuid.UUID) (*Reservation, error)
	CancelReservation(ctx context.Context, reservationID, requesterID uuid.UUID) (*Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) (*Page[Reservation], error)
	BookQueue(ctx context.Context, bookID uuid.UUID, page, pageSize int) (*Page[Reservation], error)

	ConfirmPickup(ctx context.Context, borrowID uuid.UUID) (*Borrow, error)
	ConfirmByCode(ctx context.Context, payload []byte) (*PickupResult, error)
	ReturnCopy(ctx context.Context, borrowID uuid.UUID) (*ReturnResult, error)

	GetBorrow(ctx context.Context, borrowID uuid.UUID) (*Borrow, error)
	ListBorrows(ctx context.Context, filter BorrowFilter) (*Page[Borrow], error)
	Stats(ctx context.Context) (*Stats, error)
	Trends(ctx context.Context, days int) ([]DailyBorrows, error)
	PopularBooks(ctx context.Context, limit int) ([]BookPopularity, error)
	History(ctx context.Context, aggregateID uuid.UUID) ([]Event, error)

	Sweep(ctx context.Context) (*SweepReport, error)

	// Now is the service clock; handlers use it to render derived statuses.
	Now() time.Time
}
