// internal/circulation/gateway.go
package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PickupCode is the QR payload presented at the desk.
type PickupCode struct {
	BorrowIDs []string `json:"borrow_ids"`
}

// PickupResult collects a scan's per-id outcomes.
type PickupResult struct {
	Succeeded []Borrow       `json:"succeeded"`
	Failed    []FailedPickup `json:"failed"`
}

// FailedPickup is a scanned borrow id that was not confirmed. Reason is one
// of the Reason* codes.
type FailedPickup struct {
	BorrowID string `json:"borrow_id"`
	Reason   string `json:"reason"`
}

// ConfirmByCode confirms every borrow named in a scanned payload. One bad id
// does not abort the others.
func (s *service) ConfirmByCode(ctx context.Context, payload []byte) (*PickupResult, error) {
	var code PickupCode
	if err := json.Unmarshal(payload, &code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(code.BorrowIDs) == 0 {
		return nil, fmt.Errorf("%w: borrow_ids is empty", ErrInvalidPayload)
	}

	res := &PickupResult{Succeeded: []Borrow{}, Failed: []FailedPickup{}}
	for _, raw := range code.BorrowIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			res.Failed = append(res.Failed, FailedPickup{BorrowID: raw, Reason: ReasonInvalidID})
			continue
		}
		b, err := s.ConfirmPickup(ctx, id)
		if err != nil {
			if isCanceled(err) {
				return nil, err
			}
			res.Failed = append(res.Failed, FailedPickup{BorrowID: raw, Reason: Reason(err)})
			continue
		}
		res.Succeeded = append(res.Succeeded, *b)
	}

	s.logger.Info("pickup code processed", "succeeded", len(res.Succeeded), "failed", len(res.Failed))
	return res, nil
}
