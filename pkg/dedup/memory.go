package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryService is the process-local dedup backend. Keys may carry an
// expiry; a background sweep evicts expired entries so crashed-and-forgotten
// reservations cannot pin keys forever.
type MemoryService struct {
	mu   sync.Mutex
	keys map[string]time.Time // zero time = no expiry

	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryService creates an in-memory dedup set. ttl bounds how long a
// reservation may live (0 disables expiry and the sweep).
func NewMemoryService(ttl time.Duration) *MemoryService {
	s := &MemoryService{
		keys:   make(map[string]time.Time),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	if ttl > 0 {
		go s.sweep()
	}
	return s
}

// TryReserve implements Service.
func (s *MemoryService) TryReserve(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.keys[key]; ok {
		if expiry.IsZero() || time.Now().Before(expiry) {
			return false, nil
		}
		// Expired entry: fall through and re-reserve.
	}

	var expiry time.Time
	if s.ttl > 0 {
		expiry = time.Now().Add(s.ttl)
	}
	s.keys[key] = expiry
	return true, nil
}

// Release implements Service.
func (s *MemoryService) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// IsReserved implements Service.
func (s *MemoryService) IsReserved(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.keys[key]
	if !ok {
		return false, nil
	}
	if !expiry.IsZero() && time.Now().After(expiry) {
		delete(s.keys, key)
		return false, nil
	}
	return true, nil
}

// Close stops the expiry sweep. Safe to call multiple times.
func (s *MemoryService) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// sweep periodically drops expired reservations.
func (s *MemoryService) sweep() {
	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, expiry := range s.keys {
				if !expiry.IsZero() && now.After(expiry) {
					delete(s.keys, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
