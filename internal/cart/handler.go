// internal/cart/handler.go
package cart

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"libranexus/internal/auth"
	"libranexus/internal/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Logger is satisfied by *slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
}

type Handler struct {
	store       Store
	circulation circulation.Service
	validate    *validator.Validate
	logger      Logger
}

func NewHandler(store Store, svc circulation.Service, logger Logger) *Handler {
	return &Handler{store: store, circulation: svc, validate: validator.New(), logger: logger}
}

// Routes mounts the cart endpoints under /cart. Callers install auth.Middleware first.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Post("/items", h.HandleAdd)
		r.Delete("/items/{bookID}", h.HandleRemove)
		r.Delete("/clear", h.HandleClear)
		r.Post("/checkout", h.HandleCheckout)
	})
}

type cartView struct {
	UserID uuid.UUID `json:"user_id"`
	Items  []Item    `json:"items"`
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	items, err := h.store.Items(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cartView{UserID: p.UserID, Items: items})
}

type addRequest struct {
	BookID string `json:"book_id" validate:"required,uuid"`
}

// HandleAdd puts a book in the cart. The book must have at least one copy in
// circulation; whether one is free is settled at checkout.
func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req addRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bookID := uuid.MustParse(req.BookID)

	avail, err := h.circulation.Availability(r.Context(), bookID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if avail.Total == 0 {
		http.Error(w, "book not found", http.StatusNotFound)
		return
	}

	item := Item{BookID: bookID, AddedAt: h.circulation.Now()}
	if err := h.store.Add(r.Context(), p.UserID, item.BookID, item.AddedAt); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	bookID, err := uuid.Parse(chi.URLParam(r, "bookID"))
	if err != nil {
		http.Error(w, "invalid bookID", http.StatusBadRequest)
		return
	}
	if err := h.store.Remove(r.Context(), p.UserID, bookID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := h.store.Clear(r.Context(), p.UserID); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	DueDate *time.Time `json:"due_date"`
}

// HandleCheckout checks out the whole cart. Books that were borrowed or
// queued leave the cart; rejected ones stay so the member can retry.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	// The body is optional; an empty one, chunked or not, decodes to io.EOF.
	var req checkoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	items, err := h.store.Items(r.Context(), p.UserID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if len(items) == 0 {
		http.Error(w, "cart is empty", http.StatusBadRequest)
		return
	}
	bookIDs := make([]uuid.UUID, 0, len(items))
	for _, it := range items {
		bookIDs = append(bookIDs, it.BookID)
	}

	res, err := h.circulation.Checkout(r.Context(), p.UserID, bookIDs, req.DueDate)
	if err != nil {
		h.fail(w, err)
		return
	}

	done := make([]uuid.UUID, 0, len(bookIDs))
	for _, b := range res.Borrows {
		done = append(done, b.BookID)
	}
	for _, f := range res.Failed {
		if f.Queued() {
			done = append(done, f.BookID)
		}
	}
	if err := h.store.RemoveMany(r.Context(), p.UserID, done); err != nil {
		h.logger.Error("failed to prune cart after checkout", "user_id", p.UserID, "error", err)
	}

	status := http.StatusOK
	if res.Success {
		status = http.StatusCreated
	}
	writeJSON(w, status, circulation.CheckoutView(res, h.circulation.Now()))
}

func principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return p, ok
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAlreadyInCart):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrNotInCart):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		status := circulation.StatusCode(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("cart request failed", "error", err)
			http.Error(w, "internal error", status)
			return
		}
		http.Error(w, err.Error(), status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
