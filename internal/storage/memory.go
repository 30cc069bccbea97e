package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Upper bound on entries examined for expiry on each write.
const sweepBatch = 20

type memoryEntry struct {
	total     int64
	expiresAt time.Time
}

// In-process counter store with the same semantics as RedisClient. State is
// local to the process, so it only enforces limits for a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// now may be nil, in which case time.Now is used.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     now,
	}
}

func (m *MemoryStore) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	entry := m.live(key, now)
	if entry == nil {
		entry = &memoryEntry{expiresAt: now.Add(ttl)}
		m.entries[key] = entry
	}
	entry.total += amount

	return Counter{Total: entry.total, TTL: entry.expiresAt.Sub(now)}, nil
}

func (m *MemoryStore) IncrementWithin(ctx context.Context, key string, amount, ceiling int64, ttl time.Duration) (Counter, bool, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, false, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweep(now)
	entry := m.live(key, now)
	if entry == nil {
		if amount > ceiling {
			return Counter{}, false, nil
		}
		entry = &memoryEntry{expiresAt: now.Add(ttl)}
		m.entries[key] = entry
	}
	if entry.total+amount > ceiling {
		return Counter{Total: entry.total, TTL: entry.expiresAt.Sub(now)}, false, nil
	}
	entry.total += amount

	return Counter{Total: entry.total, TTL: entry.expiresAt.Sub(now)}, true, nil
}

func (m *MemoryStore) Decrement(ctx context.Context, key string, amount int64) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry := m.live(key, now)
	if entry == nil {
		return Counter{}, nil
	}
	entry.total -= amount
	if entry.total < 0 {
		entry.total = 0
	}

	return Counter{Total: entry.total, TTL: entry.expiresAt.Sub(now)}, nil
}

func (m *MemoryStore) Peek(ctx context.Context, key string) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	entry := m.live(key, now)
	if entry == nil {
		return Counter{}, ErrNotFound
	}

	return Counter{Total: entry.total, TTL: entry.expiresAt.Sub(now)}, nil
}

func (m *MemoryStore) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Returns the entry for key, dropping it first if it has expired.
// Caller must hold m.mu.
func (m *MemoryStore) live(key string, now time.Time) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !now.Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

// Drops expired entries among up to sweepBatch others, so keys that are
// never touched again do not accumulate. Caller must hold m.mu.
func (m *MemoryStore) sweep(now time.Time) {
	examined := 0
	for key, entry := range m.entries {
		if examined == sweepBatch {
			return
		}
		examined++
		if !now.Before(entry.expiresAt) {
			delete(m.entries, key)
		}
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
