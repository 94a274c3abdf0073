package circulation_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/auth"
	"libranexus/internal/circulation"
)

var testSecret = []byte("circulation-test")

type api struct {
	t      *testing.T
	f      *fixture
	router http.Handler
}

func newAPI(t *testing.T, opts ...circulation.HandlerOption) *api {
	f := newFixture(t)
	r := chi.NewRouter()
	r.Use(auth.Middleware(testSecret))
	circulation.NewHandler(f.svc, opts...).Routes(r)
	return &api{t: t, f: f, router: r}
}

func (a *api) do(method, path string, p auth.Principal, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	token, err := auth.IssueToken(testSecret, p, time.Hour)
	require.NoError(a.t, err)
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func member() auth.Principal    { return auth.Principal{UserID: uuid.New(), Role: auth.RoleMember} }
func librarian() auth.Principal { return auth.Principal{UserID: uuid.New(), Role: auth.RoleLibrarian} }

func TestHandlerCheckoutAndPickup(t *testing.T) {
	a := newAPI(t)
	lib := librarian()
	alice := member()
	bookID := a.f.book(t, 1)

	rec := a.do(http.MethodPost, "/checkout", alice, map[string]any{"book_ids": []string{bookID.String()}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Success bool `json:"success"`
		Borrows []struct {
			ID     uuid.UUID `json:"id"`
			Status string    `json:"status"`
		} `json:"borrow_records"`
		Failed []circulation.FailedBook `json:"failed_books"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out.Success)
	require.Len(t, out.Borrows, 1)
	assert.Equal(t, "PENDING", out.Borrows[0].Status)
	assert.Empty(t, out.Failed)

	rec = a.do(http.MethodPost, "/borrowing/confirm-pickup", alice, map[string]any{"borrow_ids": []string{out.Borrows[0].ID.String()}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, "/borrowing/confirm-pickup", lib, map[string]any{"borrow_ids": []string{out.Borrows[0].ID.String()}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var pickup circulation.PickupResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pickup))
	assert.Len(t, pickup.Succeeded, 1)
	assert.Empty(t, pickup.Failed)

	rec = a.do(http.MethodPost, fmt.Sprintf("/borrowing/%s/confirm-pickup", out.Borrows[0].ID), lib, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	bob := member()
	rec = a.do(http.MethodGet, fmt.Sprintf("/borrowing/%s", out.Borrows[0].ID), bob, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(http.MethodGet, fmt.Sprintf("/borrowing/%s", out.Borrows[0].ID), alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerCheckoutValidation(t *testing.T) {
	a := newAPI(t)
	alice := member()

	rec := a.do(http.MethodPost, "/checkout", alice, map[string]any{"book_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/checkout", alice, map[string]any{"book_ids": []string{"nope"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/checkout", alice, map[string]any{
		"book_ids": []string{uuid.NewString()},
		"due_date": "2020-01-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerReservationsAndOverdueView(t *testing.T) {
	a := newAPI(t)
	lib := librarian()
	alice, bob := member(), member()
	bookID := a.f.book(t, 1)

	rec := a.do(http.MethodPost, "/reservations", bob, map[string]string{"book_id": bookID.String()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/checkout", alice, map[string]any{"book_ids": []string{bookID.String()}})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = a.do(http.MethodPost, "/reservations", bob, map[string]string{"book_id": bookID.String()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var r circulation.Reservation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))

	rec = a.do(http.MethodGet, fmt.Sprintf("/reservations/book/%s", bookID), lib, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queue circulation.Page[circulation.Reservation]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queue))
	require.Len(t, queue.Items, 1)
	assert.Equal(t, 1, queue.Items[0].QueuePosition)

	rec = a.do(http.MethodDelete, fmt.Sprintf("/reservations/%s", r.ID), alice, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = a.do(http.MethodDelete, fmt.Sprintf("/reservations/%s", r.ID), bob, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Alice picks up and keeps the book past its due date.
	mine, err := a.f.svc.ListBorrows(t.Context(), circulation.BorrowFilter{BorrowerID: &alice.UserID})
	require.NoError(t, err)
	require.Len(t, mine.Items, 1)
	rec = a.do(http.MethodPost, fmt.Sprintf("/borrowing/%s/confirm-pickup", mine.Items[0].ID), lib, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.f.clock.Advance(15 * 24 * time.Hour)

	rec = a.do(http.MethodGet, "/borrowing/my-history?status=OVERDUE", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history circulation.Page[circulation.BorrowView]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.Items, 1)
	assert.Equal(t, circulation.BorrowOverdue, history.Items[0].Status)

	rec = a.do(http.MethodGet, "/borrowing/stats", lib, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st circulation.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, 1, st.OverdueBooks)

	rec = a.do(http.MethodPost, fmt.Sprintf("/borrowing/%s/return", mine.Items[0].ID), lib, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ret circulation.ReturnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret))
	assert.Equal(t, "5000", ret.Fine.String())
}

func TestHandlerCopyAdministration(t *testing.T) {
	a := newAPI(t)
	lib := librarian()
	bookID := uuid.New()

	rec := a.do(http.MethodPost, fmt.Sprintf("/books/%s/copies", bookID), member(), map[string]string{"barcode": "B-1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodPost, fmt.Sprintf("/books/%s/copies", bookID), lib, map[string]string{"barcode": "B-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var c circulation.Copy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))

	rec = a.do(http.MethodPost, fmt.Sprintf("/books/%s/copies", bookID), lib, map[string]string{"barcode": "B-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodGet, fmt.Sprintf("/books/%s/availability", bookID), member(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var avail circulation.Availability
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &avail))
	assert.Equal(t, circulation.Availability{BookID: bookID, Total: 1, Available: 1}, avail)

	rec = a.do(http.MethodDelete, fmt.Sprintf("/copies/%s", c.ID), lib, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(http.MethodGet, fmt.Sprintf("/events/%s", c.ID), lib, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []circulation.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, circulation.EventCopyRemoved, events[1].Type)

	rec = a.do(http.MethodGet, "/books/not-a-uuid/availability", lib, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCheckoutRateLimit(t *testing.T) {
	a := newAPI(t, circulation.WithCheckoutRateLimit(0.001, 1))
	alice := member()
	bookID := a.f.book(t, 2)

	rec := a.do(http.MethodPost, "/checkout", alice, map[string]any{"book_ids": []string{bookID.String()}})
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = a.do(http.MethodPost, "/checkout", alice, map[string]any{"book_ids": []string{bookID.String()}})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	rec = a.do(http.MethodPost, "/checkout", member(), map[string]any{"book_ids": []string{bookID.String()}})
	assert.Equal(t, http.StatusCreated, rec.Code)
}
