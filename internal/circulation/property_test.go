package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"libranexus/internal/circulation"
)

// TestCirculationInvariants drives random operation sequences and checks
// after every step that no book is overbooked, no copy has two open
// borrows, copy state matches its open borrow, and nobody waits in a queue
// while a copy of that book sits available.
func TestCirculationInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()

		books := make([]uuid.UUID, rapid.IntRange(1, 3).Draw(t, "books"))
		for i := range books {
			books[i] = f.book(t, rapid.IntRange(1, 2).Draw(t, "copies"))
		}
		users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		var borrows []uuid.UUID

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			f.clock.Advance(time.Duration(rapid.IntRange(0, 30).Draw(t, "hours")) * time.Hour)

			switch rapid.IntRange(0, 6).Draw(t, "op") {
			case 0:
				user := rapid.SampledFrom(users).Draw(t, "user")
				n := rapid.IntRange(1, len(books)).Draw(t, "cart")
				res, err := f.svc.Checkout(ctx, user, books[:n], nil)
				require.NoError(t, err)
				for _, b := range res.Borrows {
					borrows = append(borrows, b.ID)
				}
			case 1:
				if len(borrows) > 0 {
					_, _ = f.svc.ConfirmPickup(ctx, rapid.SampledFrom(borrows).Draw(t, "borrow"))
				}
			case 2:
				if len(borrows) > 0 {
					res, err := f.svc.ReturnCopy(ctx, rapid.SampledFrom(borrows).Draw(t, "borrow"))
					if err == nil && res.Promoted != nil {
						borrows = append(borrows, res.Promoted.ID)
					}
				}
			case 3:
				_, err := f.svc.Sweep(ctx)
				require.NoError(t, err)
			case 4:
				user := rapid.SampledFrom(users).Draw(t, "user")
				_, _ = f.svc.Reserve(ctx, user, rapid.SampledFrom(books).Draw(t, "book"))
			case 5:
				user := rapid.SampledFrom(users).Draw(t, "user")
				mine, err := f.svc.ListReservations(ctx, circulation.ReservationFilter{BorrowerID: &user, Status: circulation.ReservationPending})
				require.NoError(t, err)
				if len(mine.Items) > 0 {
					_, err := f.svc.CancelReservation(ctx, mine.Items[0].ID, user)
					require.NoError(t, err)
				}
			case 6:
				book := rapid.SampledFrom(books).Draw(t, "book")
				_, err := f.svc.AddCopy(ctx, book, uuid.NewString())
				require.NoError(t, err)
			}

			// Promotions made by sweeps and new copies are discovered here.
			all, err := f.svc.ListBorrows(ctx, circulation.BorrowFilter{PageSize: 100, Page: 1})
			require.NoError(t, err)
			known := make(map[uuid.UUID]bool, len(borrows))
			for _, id := range borrows {
				known[id] = true
			}
			for _, b := range all.Items {
				if !known[b.ID] {
					borrows = append(borrows, b.ID)
				}
			}

			checkInvariants(t, f, books)
		}
	})
}

func checkInvariants(t *rapid.T, f *fixture, books []uuid.UUID) {
	ctx := context.Background()
	for _, bookID := range books {
		copies, err := f.svc.ListCopies(ctx, bookID)
		require.NoError(t, err)

		var page int
		openByCopy := make(map[uuid.UUID]int)
		open := 0
		for page = 1; ; page++ {
			res, err := f.svc.ListBorrows(ctx, circulation.BorrowFilter{BookID: &bookID, Page: page, PageSize: 100})
			require.NoError(t, err)
			for _, b := range res.Items {
				if b.Status == circulation.BorrowPending || b.Status == circulation.BorrowActive {
					open++
					openByCopy[b.CopyID]++
				}
			}
			if page >= res.TotalPages {
				break
			}
		}

		available := 0
		for _, c := range copies {
			if openByCopy[c.ID] > 1 {
				t.Fatalf("copy %s has %d open borrows", c.ID, openByCopy[c.ID])
			}
			want := circulation.CopyAvailable
			if openByCopy[c.ID] == 1 {
				want = circulation.CopyBorrowed
			}
			if c.Status != want {
				t.Fatalf("copy %s is %s with %d open borrows", c.ID, c.Status, openByCopy[c.ID])
			}
			if c.Status == circulation.CopyAvailable && !c.Removed() {
				available++
			}
		}
		if open > len(copies) {
			t.Fatalf("book %s overbooked: %d open borrows for %d copies", bookID, open, len(copies))
		}

		queue, err := f.svc.BookQueue(ctx, bookID, 1, 100)
		require.NoError(t, err)
		if queue.Total > 0 && available > 0 {
			t.Fatalf("book %s has %d waiting and %d available copies", bookID, queue.Total, available)
		}
	}
}
