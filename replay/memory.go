package replay

import (
	"context"
	"sync"
	"time"
)

// MemoryStore provides an in-process implementation of Store.
//
// This implementation is suitable for single-instance deployments where
// the consumed set doesn't need to be shared across processes. For
// distributed deployments use RedisStore so the replay guarantee holds
// process-wide.
//
// Expired entries are swept lazily on writes and, when the store is
// constructed with NewMemoryStore, by a background sweeper until Stop.
type MemoryStore struct {
	mu      sync.Mutex
	expiry  map[string]time.Time
	done    chan struct{}
	stopped sync.Once
}

// DefaultSweepInterval is how often the background sweeper reclaims
// expired entries.
const DefaultSweepInterval = time.Minute

// NewMemoryStore creates a memory store with a background sweeper.
// Call Stop when the store is no longer needed.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		expiry: make(map[string]time.Time),
		done:   make(chan struct{}),
	}
	go s.sweepLoop(DefaultSweepInterval)
	return s
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked(time.Now())
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// Has reports whether id is present and unexpired.
func (s *MemoryStore) Has(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.expiry[id]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.expiry, id)
		return false, nil
	}
	return true, nil
}

// Add marks id consumed for ttl, extending any existing entry.
func (s *MemoryStore) Add(_ context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry[id] = time.Now().Add(ttl)
	return nil
}

// AddIfAbsent inserts id under the store lock, returning false when id is
// already present and unexpired.
func (s *MemoryStore) AddIfAbsent(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.expiry[id]; ok && now.Before(expiry) {
		return false, nil
	}
	s.expiry[id] = now.Add(ttl)
	return true, nil
}

// Clear drops every entry.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry = make(map[string]time.Time)
	return nil
}

// Stop terminates the background sweeper. Safe to call more than once.
func (s *MemoryStore) Stop() {
	s.stopped.Do(func() { close(s.done) })
}

// sweepLocked removes expired entries. Must be called with lock held.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for id, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.expiry, id)
		}
	}
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
