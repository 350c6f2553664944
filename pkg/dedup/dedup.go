// Package dedup tracks in-flight idempotency keys so broker redeliveries of
// the same logical step are dropped instead of re-executed.
package dedup

import "context"

// Service is a set of reserved idempotency keys. A key stays reserved from
// the moment a message is accepted by the broker until the step reaches a
// terminal state (or the publish fails and the key is rolled back).
type Service interface {
	// TryReserve atomically reserves key. Returns false when the key is
	// already held.
	TryReserve(ctx context.Context, key string) (bool, error)

	// Release frees key. Releasing an unreserved key is a no-op.
	Release(ctx context.Context, key string) error

	// IsReserved reports whether key is currently held.
	IsReserved(ctx context.Context, key string) (bool, error)
}
