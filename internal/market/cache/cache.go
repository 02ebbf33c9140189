// Package cache memoizes market price statistics per normalized query.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/dealscan/internal/clock/system"
	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/market"
)

// DefaultTTL bounds how long stats are reused.
const DefaultTTL = 30 * time.Minute

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type entry struct {
	stats   deal.PriceStats
	expires time.Time
}

// Memory is an in-process TTL cache.
type Memory struct {
	ttl   time.Duration
	clock Clock

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemory returns an empty cache. A nil clock uses wall time.
func NewMemory(ttl time.Duration, clock Clock) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = system.New()
	}
	return &Memory{ttl: ttl, clock: clock, entries: make(map[string]entry)}
}

// Get returns a copy of the stats cached for query.
func (m *Memory) Get(_ context.Context, query string) (deal.PriceStats, bool, error) {
	key := market.CacheKey(query)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return deal.PriceStats{}, false, nil
	}
	if !m.clock.Now().Before(e.expires) {
		delete(m.entries, key)
		return deal.PriceStats{}, false, nil
	}
	return e.stats.Clone(), true, nil
}

// Set stores stats for query.
func (m *Memory) Set(_ context.Context, query string, stats deal.PriceStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[market.CacheKey(query)] = entry{stats: stats.Clone(), expires: m.clock.Now().Add(m.ttl)}
	return nil
}

// Len reports the number of entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
