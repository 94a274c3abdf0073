package circulation_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"libranexus/internal/circulation"
	"libranexus/internal/circulation/memstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   circulation.Service
	store *memstore.Store
	clock *clock
}

func newFixture(t require.TestingT, opts ...circulation.Option) *fixture {
	store := memstore.New()
	clk := newClock()
	opts = append([]circulation.Option{circulation.WithClock(clk.Now)}, opts...)
	return &fixture{svc: circulation.NewService(store, opts...), store: store, clock: clk}
}

// book registers a new book with n copies.
func (f *fixture) book(t require.TestingT, n int) uuid.UUID {
	bookID := uuid.New()
	for i := 0; i < n; i++ {
		_, err := f.svc.AddCopy(context.Background(), bookID, fmt.Sprintf("BC-%s-%d", bookID.String()[:8], i))
		require.NoError(t, err)
	}
	return bookID
}

func (f *fixture) checkout(t require.TestingT, borrowerID uuid.UUID, bookIDs ...uuid.UUID) *circulation.CheckoutResult {
	res, err := f.svc.Checkout(context.Background(), borrowerID, bookIDs, nil)
	require.NoError(t, err)
	return res
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []circulation.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e circulation.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) types() []circulation.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]circulation.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type fixedDeposit int64

func (d fixedDeposit) DepositFee(context.Context, uuid.UUID) (int64, error) {
	return int64(d), nil
}
