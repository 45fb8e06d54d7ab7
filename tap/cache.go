package tap

import (
	"context"
	"sync"
	"time"

	x402 "github.com/x402-upl/x402/go"
)

// DefaultIdentityTTL is how long resolved identities stay cached before a
// registry refetch.
const DefaultIdentityTTL = time.Hour

// IdentityCache is a bounded TTL cache over an identity registry, keyed by
// key id. Concurrent misses for the same key id coalesce: at most one
// registry fetch is outstanding per key, and other callers wait on it
// rather than stampeding the registry.
type IdentityCache struct {
	mu       sync.Mutex
	entries  map[string]*identityEntry
	inFlight map[string]chan struct{}
	registry x402.IdentityRegistry
	ttl      time.Duration
	now      func() time.Time
}

type identityEntry struct {
	identity *x402.Identity
	expiry   time.Time
}

// NewIdentityCache creates a cache over registry with the given TTL.
// A non-positive ttl falls back to DefaultIdentityTTL.
func NewIdentityCache(registry x402.IdentityRegistry, ttl time.Duration) *IdentityCache {
	if ttl <= 0 {
		ttl = DefaultIdentityTTL
	}
	return &IdentityCache{
		entries:  make(map[string]*identityEntry),
		inFlight: make(map[string]chan struct{}),
		registry: registry,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Resolve returns the identity for keyID, fetching from the registry on a
// cache miss. Registry errors are returned to the caller and nothing is
// cached, so a transient failure doesn't poison the key.
func (c *IdentityCache) Resolve(ctx context.Context, keyID string) (*x402.Identity, error) {
	for {
		c.mu.Lock()

		if entry, ok := c.entries[keyID]; ok {
			if c.now().Before(entry.expiry) {
				c.mu.Unlock()
				return entry.identity, nil
			}
			// Expired - clean it up
			delete(c.entries, keyID)
		}

		if done, ok := c.inFlight[keyID]; ok {
			c.mu.Unlock()
			// Another caller is fetching; wait, then re-check the cache.
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		// This caller owns the fetch.
		done := make(chan struct{})
		c.inFlight[keyID] = done
		c.mu.Unlock()

		identity, err := c.registry.ResolveKey(ctx, keyID)

		c.mu.Lock()
		delete(c.inFlight, keyID)
		if err == nil {
			c.entries[keyID] = &identityEntry{
				identity: identity,
				expiry:   c.now().Add(c.ttl),
			}
		}
		c.mu.Unlock()
		close(done)

		return identity, err
	}
}

// Invalidate drops a single cached identity.
func (c *IdentityCache) Invalidate(keyID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyID)
}

// Clear drops every cached identity.
func (c *IdentityCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*identityEntry)
}
