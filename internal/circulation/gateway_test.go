package circulation_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/circulation"
)

func TestConfirmByCodeCollectsPerIDResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	borrower := uuid.New()
	res := f.checkout(t, borrower, f.book(t, 1), f.book(t, 1))
	require.Len(t, res.Borrows, 2)
	first, second := res.Borrows[0].ID, res.Borrows[1].ID

	_, err := f.svc.ConfirmPickup(ctx, second)
	require.NoError(t, err)

	unknown := uuid.New()
	payload := fmt.Sprintf(`{"borrow_ids": [%q, "not-a-uuid", %q, %q]}`, first, second, unknown)
	out, err := f.svc.ConfirmByCode(ctx, []byte(payload))
	require.NoError(t, err)

	require.Len(t, out.Succeeded, 1)
	assert.Equal(t, first, out.Succeeded[0].ID)
	assert.Equal(t, circulation.BorrowActive, out.Succeeded[0].Status)

	assert.Equal(t, []circulation.FailedPickup{
		{BorrowID: "not-a-uuid", Reason: circulation.ReasonInvalidID},
		{BorrowID: second.String(), Reason: circulation.ReasonInvalidTransition},
		{BorrowID: unknown.String(), Reason: circulation.ReasonNotFound},
	}, out.Failed)
}

func TestConfirmByCodeRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for name, payload := range map[string]string{
		"not json":    `borrow_ids=1`,
		"empty list":  `{"borrow_ids": []}`,
		"missing key": `{}`,
		"wrong type":  `{"borrow_ids": "abc"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.ConfirmByCode(ctx, []byte(payload))
			assert.ErrorIs(t, err, circulation.ErrInvalidPayload)
		})
	}
}
