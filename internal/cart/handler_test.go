package cart_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libranexus/internal/auth"
	"libranexus/internal/cart"
	"libranexus/internal/circulation"
	"libranexus/internal/circulation/memstore"
)

var secret = []byte("cart-test")

type cartAPI struct {
	t      *testing.T
	svc    circulation.Service
	store  cart.Store
	router http.Handler
}

func newCartAPI(t *testing.T) *cartAPI {
	now := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	svc := circulation.NewService(memstore.New(), circulation.WithClock(func() time.Time { return now }))
	store, _ := newRedisStore(t)
	r := chi.NewRouter()
	r.Use(auth.Middleware(secret))
	cart.NewHandler(store, svc, discard{}).Routes(r)
	return &cartAPI{t: t, svc: svc, store: store, router: r}
}

type discard struct{}

func (discard) Error(string, ...any) {}

func (a *cartAPI) book(copies int) uuid.UUID {
	a.t.Helper()
	id := uuid.New()
	for i := 0; i < copies; i++ {
		_, err := a.svc.AddCopy(context.Background(), id, id.String()[:8]+"-"+string(rune('a'+i)))
		require.NoError(a.t, err)
	}
	return id
}

func (a *cartAPI) do(method, path string, user uuid.UUID, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	token, err := auth.IssueToken(secret, auth.Principal{UserID: user, Role: auth.RoleMember}, time.Hour)
	require.NoError(a.t, err)
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestCartCheckoutKeepsRejectedItems(t *testing.T) {
	a := newCartAPI(t)
	alice, bob := uuid.New(), uuid.New()
	free := a.book(1)
	taken := a.book(1)
	mine := a.book(2)

	// bob holds the only copy of taken; alice already borrows mine.
	_, err := a.svc.Checkout(context.Background(), bob, []uuid.UUID{taken}, nil)
	require.NoError(t, err)
	_, err = a.svc.Checkout(context.Background(), alice, []uuid.UUID{mine}, nil)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{free, taken, mine} {
		rec := a.do(http.MethodPost, "/cart/items", alice, map[string]string{"book_id": id.String()})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := a.do(http.MethodPost, "/cart/items", alice, map[string]string{"book_id": free.String()})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPost, "/cart/checkout", alice, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out circulation.CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Success)
	require.Len(t, out.Borrows, 1)
	assert.Equal(t, free, out.Borrows[0].BookID)
	require.Len(t, out.Failed, 2)

	reasons := map[uuid.UUID]string{}
	for _, f := range out.Failed {
		reasons[f.BookID] = f.Reason
	}
	assert.Equal(t, circulation.ReasonReserved, reasons[taken])
	assert.Equal(t, circulation.ReasonAlreadyBorrowing, reasons[mine])

	items, err := a.store.Items(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, mine, items[0].BookID)
}

func TestCartRejectsUnknownBookAndEmptyCheckout(t *testing.T) {
	a := newCartAPI(t)
	alice := uuid.New()

	rec := a.do(http.MethodPost, "/cart/items", alice, map[string]string{"book_id": uuid.NewString()})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/cart/items", alice, map[string]string{"book_id": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodPost, "/cart/checkout", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCartRemoveAndClear(t *testing.T) {
	a := newCartAPI(t)
	alice := uuid.New()
	first, second := a.book(1), a.book(1)
	for _, id := range []uuid.UUID{first, second} {
		require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/cart/items", alice, map[string]string{"book_id": id.String()}).Code)
	}

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, "/cart/items/"+first.String(), alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodDelete, "/cart/items/"+first.String(), alice, nil).Code)

	rec := a.do(http.MethodGet, "/cart/", alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Items []cart.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Items, 1)
	assert.Equal(t, second, view.Items[0].BookID)

	assert.Equal(t, http.StatusNoContent, a.do(http.MethodDelete, "/cart/clear", alice, nil).Code)
	items, err := a.store.Items(context.Background(), alice)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCartCheckoutAcceptsEmptyChunkedBody(t *testing.T) {
	a := newCartAPI(t)
	alice := uuid.New()
	book := a.book(1)
	require.Equal(t, http.StatusCreated, a.do(http.MethodPost, "/cart/items", alice, map[string]string{"book_id": book.String()}).Code)

	token, err := auth.IssueToken(secret, auth.Principal{UserID: alice, Role: auth.RoleMember}, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/cart/checkout", io.NopCloser(strings.NewReader("")))
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out circulation.CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Borrows, 1)
	assert.Equal(t, book, out.Borrows[0].BookID)
}
