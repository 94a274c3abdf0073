// internal/cart/redis.go
package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long an untouched cart survives.
const DefaultTTL = 7 * 24 * time.Hour

// RedisStore keeps each cart in a sorted set keyed by user, scored by the
// time the book was added.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func cartKey(userID uuid.UUID) string {
	return "cart:" + userID.String()
}

func (s *RedisStore) Items(ctx context.Context, userID uuid.UUID) ([]Item, error) {
	zs, err := s.client.ZRangeWithScores(ctx, cartKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cart: %w", err)
	}
	items := make([]Item, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		id, err := uuid.Parse(member)
		if err != nil {
			continue
		}
		items = append(items, Item{BookID: id, AddedAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return items, nil
}

func (s *RedisStore) Add(ctx context.Context, userID, bookID uuid.UUID, at time.Time) error {
	key := cartKey(userID)
	var added *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.ZAddNX(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: bookID.String()})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add to cart: %w", err)
	}
	if added.Val() == 0 {
		return ErrAlreadyInCart
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID, bookID uuid.UUID) error {
	n, err := s.client.ZRem(ctx, cartKey(userID), bookID.String()).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from cart: %w", err)
	}
	if n == 0 {
		return ErrNotInCart
	}
	return nil
}

func (s *RedisStore) RemoveMany(ctx context.Context, userID uuid.UUID, bookIDs []uuid.UUID) error {
	if len(bookIDs) == 0 {
		return nil
	}
	members := make([]any, 0, len(bookIDs))
	for _, id := range bookIDs {
		members = append(members, id.String())
	}
	if err := s.client.ZRem(ctx, cartKey(userID), members...).Err(); err != nil {
		return fmt.Errorf("failed to remove from cart: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := s.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
