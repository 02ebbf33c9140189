package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dealscan/internal/deal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleStats() deal.PriceStats {
	return deal.PriceStats{
		SearchTerm: "canon ae-1",
		SampleSize: 2,
		Average:    110,
		RawPrices:  []float64{100, 120},
		Items:      []deal.CompItem{{Title: "a", Price: 100}, {Title: "b", Price: 120}},
	}
}

func TestMemoryHitMissAndExpiry(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemory(time.Minute, clock)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "canon ae-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "Canon  AE-1", sampleStats()))
	got, ok, err := c.Get(ctx, "canon ae-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 110.0, got.Average)

	clock.Advance(time.Minute)
	_, ok, err = c.Get(ctx, "canon ae-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, c.Len())
}

func TestMemoryReturnsCopies(t *testing.T) {
	t.Parallel()

	c := NewMemory(0, nil)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "q", sampleStats()))

	got, _, _ := c.Get(ctx, "q")
	got.Items[0].Filtered = true
	got.RawPrices[0] = 1

	again, _, _ := c.Get(ctx, "q")
	require.False(t, again.Items[0].Filtered)
	require.Equal(t, 100.0, again.RawPrices[0])
}
