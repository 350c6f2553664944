package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps per-key hit timestamps in process.
type MemoryBackend struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		hits: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Allow implements Backend.
func (b *MemoryBackend) Allow(_ context.Context, key string, limit Limit) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	cutoff := now.Add(-limit.Window)

	hits := b.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit.Max {
		oldest := kept[0]
		b.hits[key] = kept
		return Result{RetryAfter: oldest.Add(limit.Window).Sub(now)}, nil
	}

	b.hits[key] = append(kept, now)
	return Result{Allowed: true}, nil
}
