// internal/circulation/handler.go
package circulation

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"libranexus/internal/auth"
)

type Handler struct {
	service  Service
	validate *validator.Validate
	logger   Logger
	limiter  *borrowerLimiter
}

// HandlerOption configures the HTTP handler.
type HandlerOption func(*Handler)

func WithHandlerLogger(logger Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithCheckoutRateLimit caps checkouts per borrower per second.
func WithCheckoutRateLimit(perSecond float64, burst int) HandlerOption {
	return func(h *Handler) {
		if perSecond > 0 {
			h.limiter = newBorrowerLimiter(rate.Limit(perSecond), burst)
		}
	}
}

func NewHandler(service Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service:  service,
		validate: validator.New(),
		logger:   discardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the circulation endpoints. Callers install auth.Middleware first.
func (h *Handler) Routes(r chi.Router) {
	librarian := auth.RequireRole(auth.RoleLibrarian)

	r.With(h.rateLimit).Post("/checkout", h.HandleCheckout)

	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.HandleReserve)
		r.Get("/", h.HandleMyReservations)
		r.Delete("/{id}", h.HandleCancelReservation)
		r.With(librarian).Get("/book/{bookID}", h.HandleBookQueue)
	})

	r.Route("/borrowing", func(r chi.Router) {
		r.Get("/my-history", h.HandleMyHistory)
		r.Group(func(r chi.Router) {
			r.Use(librarian)
			r.Get("/all", h.HandleAllBorrows)
			r.Get("/stats", h.HandleStats)
			r.Get("/trends", h.HandleTrends)
			r.Get("/popular-books", h.HandlePopularBooks)
			r.Post("/confirm-pickup", h.HandleConfirmByCode)
			r.Post("/{id}/confirm-pickup", h.HandleConfirmPickup)
			r.Post("/{id}/return", h.HandleReturn)
		})
		r.Get("/{id}", h.HandleGetBorrow)
	})

	r.Route("/books/{bookID}", func(r chi.Router) {
		r.Get("/availability", h.HandleAvailability)
		r.Get("/copies", h.HandleListCopies)
		r.With(librarian).Post("/copies", h.HandleAddCopy)
	})
	r.With(librarian).Delete("/copies/{id}", h.HandleRemoveCopy)
	r.With(librarian).Post("/admin/sweep", h.HandleSweep)
	r.With(librarian).Get("/events/{id}", h.HandleHistory)
}

type checkoutRequest struct {
	BookIDs []string   `json:"book_ids" validate:"required,min=1,dive,uuid"`
	DueDate *time.Time `json:"due_date"`
}

// HandleCheckout borrows a list of books directly, without the cart.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	ids := make([]uuid.UUID, 0, len(req.BookIDs))
	for _, raw := range req.BookIDs {
		ids = append(ids, uuid.MustParse(raw))
	}

	res, err := h.service.Checkout(r.Context(), p.UserID, ids, req.DueDate)
	if err != nil {
		h.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Success {
		status = http.StatusCreated
	}
	writeJSON(w, status, CheckoutView(res, h.service.Now()))
}

type reserveRequest struct {
	BookID string `json:"book_id" validate:"required,uuid"`
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req reserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.Reserve(r.Context(), p.UserID, uuid.MustParse(req.BookID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) HandleMyReservations(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	page, size := pageParams(r)
	res, err := h.service.ListReservations(r.Context(), ReservationFilter{
		BorrowerID: &p.UserID,
		Status:     ReservationStatus(r.URL.Query().Get("status")),
		Page:       page,
		PageSize:   size,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleCancelReservation(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.CancelReservation(r.Context(), id, p.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleBookQueue(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	page, size := pageParams(r)
	res, err := h.service.BookQueue(r.Context(), bookID, page, size)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleMyHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.listBorrows(w, r, BorrowFilter{BorrowerID: &p.UserID})
}

func (h *Handler) HandleAllBorrows(w http.ResponseWriter, r *http.Request) {
	var filter BorrowFilter
	q := r.URL.Query()
	for key, dst := range map[string]**uuid.UUID{"borrower_id": &filter.BorrowerID, "book_id": &filter.BookID} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid "+key, http.StatusBadRequest)
			return
		}
		*dst = &id
	}
	h.listBorrows(w, r, filter)
}

func (h *Handler) listBorrows(w http.ResponseWriter, r *http.Request, filter BorrowFilter) {
	filter.Status = BorrowStatus(r.URL.Query().Get("status"))
	filter.Page, filter.PageSize = pageParams(r)
	filter.Now = h.service.Now()

	res, err := h.service.ListBorrows(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]BorrowView, 0, len(res.Items))
	for _, b := range res.Items {
		views = append(views, NewBorrowView(b, filter.Now))
	}
	writeJSON(w, http.StatusOK, newPage(views, res.Total, res.Page, res.PageSize))
}

func (h *Handler) HandleGetBorrow(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.service.GetBorrow(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if b.BorrowerID != p.UserID && p.Role != auth.RoleLibrarian {
		h.writeError(w, ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, NewBorrowView(*b, h.service.Now()))
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleTrends reports daily pickups over the last ?days= days (default 30).
func (h *Handler) HandleTrends(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	trends, err := h.service.Trends(r.Context(), days)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trends)
}

func (h *Handler) HandlePopularBooks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	books, err := h.service.PopularBooks(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

// HandleConfirmByCode takes the scanned QR payload as the request body.
func (h *Handler) HandleConfirmByCode(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.service.ConfirmByCode(r.Context(), payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleConfirmPickup(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	b, err := h.service.ConfirmPickup(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewBorrowView(*b, h.service.Now()))
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.service.ReturnCopy(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	a, err := h.service.Availability(r.Context(), bookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) HandleListCopies(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	copies, err := h.service.ListCopies(r.Context(), bookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, copies)
}

type addCopyRequest struct {
	Barcode string `json:"barcode" validate:"required,max=64"`
}

func (h *Handler) HandleAddCopy(w http.ResponseWriter, r *http.Request) {
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}
	var req addCopyRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.service.AddCopy(r.Context(), bookID, req.Barcode)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) HandleRemoveCopy(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	c, err := h.service.RemoveCopy(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// BorrowView is a borrow as clients see it, with OVERDUE derived.
type BorrowView struct {
	Borrow
	Status BorrowStatus `json:"status"`
}

func NewBorrowView(b Borrow, now time.Time) BorrowView {
	return BorrowView{Borrow: b, Status: b.EffectiveStatus(now)}
}

// CheckoutResponse is the wire shape of a checkout.
type CheckoutResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Borrows []BorrowView `json:"borrow_records"`
	Failed  []FailedBook `json:"failed_books"`
}

func CheckoutView(res *CheckoutResult, now time.Time) CheckoutResponse {
	out := CheckoutResponse{Success: res.Success, Message: res.Message, Failed: res.Failed, Borrows: make([]BorrowView, 0, len(res.Borrows))}
	for _, b := range res.Borrows {
		out.Borrows = append(out.Borrows, NewBorrowView(b, now))
	}
	return out
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// StatusCode maps a service error to its HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDuplicateReservation),
		errors.Is(err, ErrAlreadyBorrowing),
		errors.Is(err, ErrCopyAvailable),
		errors.Is(err, ErrCopyInUse),
		errors.Is(err, ErrDuplicateBarcode):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidDueDate), errors.Is(err, ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, ErrTxConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg, "reason": Reason(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, size
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			if p, ok := auth.FromContext(r.Context()); ok && !h.limiter.get(p.UserID).Allow() {
				http.Error(w, "too many checkout requests", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// limiterPruneEvery is how often get drops limiters that have refilled.
const limiterPruneEvery = time.Minute

type borrowerLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	limiters  map[uuid.UUID]*rate.Limiter
	now       func() time.Time
	lastPrune time.Time
}

func newBorrowerLimiter(limit rate.Limit, burst int) *borrowerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &borrowerLimiter{limit: limit, burst: burst, limiters: make(map[uuid.UUID]*rate.Limiter), now: time.Now}
}

func (b *borrowerLimiter) get(id uuid.UUID) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if now.Sub(b.lastPrune) >= limiterPruneEvery {
		b.prune(now)
	}
	l, ok := b.limiters[id]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.limiters[id] = l
	}
	return l
}

// prune drops every limiter whose bucket is full again. A full bucket
// behaves exactly like a new limiter, so no borrower gains extra tokens.
func (b *borrowerLimiter) prune(now time.Time) {
	for id, l := range b.limiters {
		if l.TokensAt(now) >= float64(b.burst) {
			delete(b.limiters, id)
		}
	}
	b.lastPrune = now
}
