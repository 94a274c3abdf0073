// internal/cart/cart.go
package cart

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyInCart = errors.New("book already in cart")
	ErrNotInCart     = errors.New("book not in cart")
)

// Item is one book a member intends to borrow.
type Item struct {
	BookID  uuid.UUID `json:"book_id"`
	AddedAt time.Time `json:"added_at"`
}

// Store keeps each member's cart. Items come back oldest first.
type Store interface {
	Items(ctx context.Context, userID uuid.UUID) ([]Item, error)
	Add(ctx context.Context, userID, bookID uuid.UUID, at time.Time) error
	Remove(ctx context.Context, userID, bookID uuid.UUID) error
	RemoveMany(ctx context.Context, userID uuid.UUID, bookIDs []uuid.UUID) error
	Clear(ctx context.Context, userID uuid.UUID) error
}

// MemoryStore is a process-local Store used when no Redis is configured.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[uuid.UUID][]Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[uuid.UUID][]Item)}
}

func (m *MemoryStore) Items(_ context.Context, userID uuid.UUID) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Item{}, m.carts[userID]...), nil
}

func (m *MemoryStore) Add(_ context.Context, userID, bookID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[userID]
	if slices.ContainsFunc(items, func(it Item) bool { return it.BookID == bookID }) {
		return ErrAlreadyInCart
	}
	m.carts[userID] = append(items, Item{BookID: bookID, AddedAt: at.UTC()})
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, userID, bookID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[userID]
	i := slices.IndexFunc(items, func(it Item) bool { return it.BookID == bookID })
	if i < 0 {
		return ErrNotInCart
	}
	m.carts[userID] = slices.Delete(items, i, i+1)
	return nil
}

func (m *MemoryStore) RemoveMany(_ context.Context, userID uuid.UUID, bookIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[userID] = slices.DeleteFunc(m.carts[userID], func(it Item) bool {
		return slices.Contains(bookIDs, it.BookID)
	})
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, userID)
	return nil
}
