package circulation_test

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/circulation"
)

// Book X has one copy. A borrows it and never picks it up, B is queued.
// Once A's pickup window has passed, a sweep hands the copy to B.
func TestSweepHandsExpiredPickupToQueue(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, circulation.WithNotifier(notifier))
	ctx := context.Background()
	x := f.book(t, 1)
	a, b := uuid.New(), uuid.New()

	resA := f.checkout(t, a, x)
	require.Len(t, resA.Borrows, 1)
	borrowA := resA.Borrows[0]
	c, err := f.store.GetCopy(ctx, borrowA.CopyID)
	require.NoError(t, err)
	assert.Equal(t, circulation.CopyBorrowed, c.Status)

	f.clock.Advance(time.Minute)
	resB := f.checkout(t, b, x)
	assert.False(t, resB.Success)
	require.Len(t, resB.Failed, 1)
	assert.Equal(t, x, resB.Failed[0].BookID)
	assert.Equal(t, circulation.ReasonReserved, resB.Failed[0].Reason)
	resID := *resB.Failed[0].ReservationID

	f.clock.Advance(73 * time.Hour)
	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PickupsExpired)
	assert.Equal(t, 1, rep.Promoted)
	assert.Zero(t, rep.ReservationsExpired)
	assert.Zero(t, rep.Failures)

	gotA, err := f.svc.GetBorrow(ctx, borrowA.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.BorrowCancelled, gotA.Status)

	r, err := f.store.GetReservation(ctx, resID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationFulfilled, r.Status)
	require.NotNil(t, r.BorrowID)

	borrowB, err := f.svc.GetBorrow(ctx, *r.BorrowID)
	require.NoError(t, err)
	assert.Equal(t, b, borrowB.BorrowerID)
	assert.Equal(t, borrowA.CopyID, borrowB.CopyID)
	assert.Equal(t, circulation.BorrowPending, borrowB.Status)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), borrowB.PickupDeadline)

	c, err = f.store.GetCopy(ctx, borrowA.CopyID)
	require.NoError(t, err)
	assert.Equal(t, circulation.CopyBorrowed, c.Status)

	assert.Equal(t, []circulation.EventType{
		circulation.EventPickupExpired,
		circulation.EventReservationFulfilled,
	}, notifier.types())

	// Running it again changes nothing.
	rep, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.SweepReport{}, *rep)
}

func TestSweepWithoutQueueFreesCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.checkout(t, uuid.New(), f.book(t, 1)).Borrows[0]

	f.clock.Advance(71 * time.Hour)
	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.PickupsExpired)

	f.clock.Advance(2 * time.Hour)
	rep, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PickupsExpired)
	assert.Zero(t, rep.Promoted)

	c, err := f.store.GetCopy(ctx, b.CopyID)
	require.NoError(t, err)
	assert.Equal(t, circulation.CopyAvailable, c.Status)

	_, err = f.svc.ConfirmPickup(ctx, b.ID)
	assert.ErrorIs(t, err, circulation.ErrInvalidTransition)
}

func TestSweepExpiresStaleReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	x := f.book(t, 1)
	holder := f.checkout(t, uuid.New(), x).Borrows[0]
	_, err := f.svc.ConfirmPickup(ctx, holder.ID)
	require.NoError(t, err)

	early, late := uuid.New(), uuid.New()
	_, err = f.svc.Reserve(ctx, early, x)
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)
	_, err = f.svc.Reserve(ctx, late, x)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ReservationsExpired)

	mine, err := f.svc.ListReservations(ctx, circulation.ReservationFilter{BorrowerID: &early})
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	assert.Equal(t, circulation.ReservationExpired, mine.Items[0].Status)
	assert.Zero(t, mine.Items[0].QueuePosition)

	// The expired reservation is skipped; the copy goes to the later one.
	res, err := f.svc.ReturnCopy(ctx, holder.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Promoted)
	assert.Equal(t, late, res.Promoted.BorrowerID)
}

// Several replicas sweep the same backlog at once. Every pickup and every
// reservation must end exactly once, and no copy may end up lent twice.
func TestConcurrentSweepsCloseEachRowOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var (
		books        []uuid.UUID
		pickups      []uuid.UUID
		reservations []uuid.UUID
	)
	for i := 0; i < 20; i++ {
		x := f.book(t, 1)
		books = append(books, x)
		pickups = append(pickups, f.checkout(t, uuid.New(), x).Borrows[0].ID)
		for j := 0; j < 2; j++ {
			res := f.checkout(t, uuid.New(), x)
			require.Len(t, res.Failed, 1)
			require.NotNil(t, res.Failed[0].ReservationID)
			reservations = append(reservations, *res.Failed[0].ReservationID)
		}
	}
	f.clock.Advance(73 * time.Hour)

	var (
		mu    sync.Mutex
		total circulation.SweepReport
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := f.svc.Sweep(ctx)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			total.PickupsExpired += rep.PickupsExpired
			total.ReservationsExpired += rep.ReservationsExpired
			total.Promoted += rep.Promoted
			total.Failures += rep.Failures
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total.PickupsExpired)
	assert.Equal(t, 40, total.Promoted+total.ReservationsExpired)
	assert.Zero(t, total.Failures)

	for _, id := range pickups {
		events, err := f.svc.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, circulation.EventPickupExpired, events[1].Type)
	}
	fulfilled := 0
	for _, id := range reservations {
		events, err := f.svc.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 2, "reservation %s closed more than once", id)
		if events[1].Type == circulation.EventReservationFulfilled {
			fulfilled++
		}
	}
	assert.Equal(t, total.Promoted, fulfilled)

	for _, x := range books {
		page, err := f.svc.ListBorrows(ctx, circulation.BorrowFilter{BookID: &x, Status: circulation.BorrowPending})
		require.NoError(t, err)
		assert.LessOrEqual(t, page.Total, 1)
		avail, err := f.svc.Availability(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, 1-page.Total, avail.Available)
	}

	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.SweepReport{}, *rep)
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	var runs atomic.Int32
	svc := &countingService{Service: newFixture(t).svc, runs: &runs}

	sw := circulation.NewSweeper(svc, time.Second, slog.New(slog.DiscardHandler))
	require.NoError(t, sw.Start(context.Background()))
	defer sw.Stop()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestSweeperRejectsBadInterval(t *testing.T) {
	sw := circulation.NewSweeper(newFixture(t).svc, 0, slog.New(slog.DiscardHandler))
	assert.Error(t, sw.Start(context.Background()))
}

type countingService struct {
	circulation.Service
	runs *atomic.Int32
}

func (c *countingService) Sweep(ctx context.Context) (*circulation.SweepReport, error) {
	c.runs.Add(1)
	return c.Service.Sweep(ctx)
}
