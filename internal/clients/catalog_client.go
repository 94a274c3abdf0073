// internal/clients/catalog_client.go
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sony/gobreaker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBookNotFound is returned when the catalog has no record of a book.
var ErrBookNotFound = errors.New("book not found in catalog")

// Book is the part of a catalog record circulation cares about.
type Book struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	DepositFee int64     `json:"deposit_fee"`
}

// CatalogClient reads book records from the catalog service behind a
// circuit breaker, so a slow or failing catalog never stalls a checkout.
type CatalogClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

type CatalogOption func(*CatalogClient)

func WithHTTPClient(c *http.Client) CatalogOption {
	return func(cc *CatalogClient) {
		cc.http = c
	}
}

func NewCatalogClient(baseURL string, opts ...CatalogOption) *CatalogClient {
	c := &CatalogClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrBookNotFound)
		},
	})
	return c
}

// GetBook fetches one catalog record.
func (c *CatalogClient) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.getBook(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Book), nil
}

// DepositFee returns the deposit charged for borrowing a book.
func (c *CatalogClient) DepositFee(ctx context.Context, bookID uuid.UUID) (int64, error) {
	b, err := c.GetBook(ctx, bookID)
	if err != nil {
		return 0, err
	}
	return b.DepositFee, nil
}

func (c *CatalogClient) getBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/books/%s", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrBookNotFound
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var book Book
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, err
	}
	return &book, nil
}
