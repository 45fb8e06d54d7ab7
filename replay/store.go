// Package replay tracks consumed payment and nonce identifiers so a proof
// or signature can never be accepted twice within its TTL.
//
// Two backing variants satisfy the same contract: an in-process map for
// single-instance deployments, and a Redis-backed store whose atomicity
// extends the guarantee across instances. Callers must fail closed: a
// store error means "unknown", never "not yet consumed".
package replay

import (
	"context"
	"time"
)

// Store is the consumed-identifier set. After Add(id, ttl) returns, a
// concurrent or subsequent Has(id) before ttl elapses returns true. After
// expiry Has may return false.
type Store interface {
	// Has reports whether id has been consumed and is unexpired.
	Has(ctx context.Context, id string) (bool, error)

	// Add marks id consumed for ttl.
	Add(ctx context.Context, id string, ttl time.Duration) error

	// AddIfAbsent atomically marks id consumed for ttl, returning false
	// when id was already present and unexpired. This is the primitive
	// verifiers use instead of a separate check-then-act.
	AddIfAbsent(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// Clear drops every entry.
	Clear(ctx context.Context) error
}
