package circulation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestBorrowerLimiterDropsRefilledBuckets(t *testing.T) {
	now := time.Now()
	b := newBorrowerLimiter(rate.Every(10*time.Minute), 2)
	b.now = func() time.Time { return now }

	idle, busy := uuid.New(), uuid.New()
	require.True(t, b.get(idle).AllowN(now, 1))
	for i := 0; i < 500; i++ {
		b.get(uuid.New())
	}
	assert.Len(t, b.limiters, 501)

	// Untouched buckets are full and go; idle is still refilling.
	now = now.Add(limiterPruneEvery)
	l := b.get(busy)
	require.True(t, l.AllowN(now, 2))
	assert.Len(t, b.limiters, 2)
	assert.Contains(t, b.limiters, idle)

	now = now.Add(10 * time.Minute)
	assert.Same(t, l, b.get(busy))
	assert.Less(t, l.TokensAt(now), 2.0)
	assert.NotContains(t, b.limiters, idle)
	assert.Len(t, b.limiters, 1)
}
