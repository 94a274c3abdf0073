package circulation

import (
	"context"
	"errors"
)

var (
	ErrNoCopyAvailable      = errors.New("no copy available")
	ErrDuplicateReservation = errors.New("reservation already pending for this book")
	ErrAlreadyBorrowing     = errors.New("borrower already has an open loan for this book")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrForbidden            = errors.New("forbidden")
	ErrNotFound             = errors.New("not found")
	ErrCopyAvailable        = errors.New("book has available copies, borrow it instead")
	ErrCopyInUse            = errors.New("copy is currently borrowed")
	ErrDuplicateBarcode     = errors.New("barcode already registered")
	ErrInvalidDueDate       = errors.New("due date must be in the future")
	ErrInvalidPayload       = errors.New("invalid payload")

	// ErrTxConflict marks a serialization failure or deadlock; the whole
	// transaction may be retried.
	ErrTxConflict = errors.New("transaction conflict")
)

// Per-item failure reasons reported by checkout and batch pickup.
const (
	ReasonReserved          = "reserved"
	ReasonAlreadyBorrowing  = "already_borrowing"
	ReasonDuplicate         = "duplicate"
	ReasonNotFound          = "not_found"
	ReasonInvalidTransition = "invalid_transition"
	ReasonInvalidID         = "invalid_id"
	ReasonError             = "error"
)

// Reason maps an error to the reason string reported for a single line item.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyBorrowing):
		return ReasonAlreadyBorrowing
	case errors.Is(err, ErrDuplicateReservation):
		return ReasonDuplicate
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidTransition):
		return ReasonInvalidTransition
	default:
		return ReasonError
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
