// Package lease defines the shared TTL key/value store that both the
// idempotency result cache and the processing lock are built on. The Store
// contract is backend-agnostic: the in-process Memory implementation in this
// package suits single-instance deployments and tests, while the SQL-backed
// implementation in internal/repo extends the mutual-exclusion guarantee
// across gateway instances sharing a database.
//
// SetIfAbsentWithTTL is the load-bearing primitive: every cross-worker
// mutual-exclusion guarantee in the gateway reduces to it being atomic under
// concurrent callers. Implementations must not decompose it into a separate
// existence check followed by a write.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the backing store could not be reached. Callers
// must treat it as "state unknown" and fail open according to their own
// policy; no operation result can be inferred from it.
var ErrUnavailable = errors.New("lease store unavailable")

// Store is a TTL-capable key/value store safe for concurrent use from
// arbitrarily many callers, in and across processes.
type Store interface {
	// Get returns the live (non-expired) value for key. found is false when
	// the key is absent or expired. No side effects beyond expiry reaping.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// SetWithTTL unconditionally upserts key and resets its TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsentWithTTL atomically stores value only when key holds no live
	// entry. acquired reports whether this caller won the write.
	SetIfAbsentWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) (acquired bool, err error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key holds a live entry.
	Exists(ctx context.Context, key string) (bool, error)

	// Refresh extends the TTL of an existing key without changing its value.
	// Refreshing an absent or expired key is a no-op. Needed only for
	// liveness under long-running processing, never for correctness.
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}
