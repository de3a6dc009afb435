// Package idempotency owns the lifecycle of an idempotency key: the cached
// capture result, the short-lived processing lease that serializes workers,
// and the transitions between them. All state lives in a lease.Store so that
// the guarantees hold across gateway instances sharing the same backend.
//
// Per-key state machine:
//
//	UNSEEN --acquire--> PROCESSING --store result + release--> DONE (cached)
//	PROCESSING --lease TTL expiry (crashed worker)--> UNSEEN
//	DONE --result TTL expiry--> UNSEEN
//
// The one accepted gap: a worker that crashes after partially persisting but
// before storing its result leaves the key re-acquirable once the lease
// expires, so a retry may hand already-persisted events to the persister
// again. Deduplicating there is the persister's concern, not this package's.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tracegate/capture-gateway/internal/domain"
	"github.com/tracegate/capture-gateway/internal/lease"
)

const (
	// DefaultLeaseTTL bounds how long a crashed worker can block retries.
	DefaultLeaseTTL = 5 * time.Minute
	// DefaultResultTTL is the retention window for cached capture results.
	DefaultResultTTL = 24 * time.Hour
)

// Key identifies one logical submission: the caller-supplied idempotency key
// scoped to the submitting organization.
type Key struct {
	OrgID     string
	ClientKey string
}

// leaseKey and resultKey partition the store namespace so a lease can never
// collide with a cached result for the same submission.
func (k Key) leaseKey() string  { return "processing:" + k.OrgID + ":" + k.ClientKey }
func (k Key) resultKey() string { return "result:" + k.OrgID + ":" + k.ClientKey }

// Coordinator mediates all idempotency-key state. It is stateless apart from
// the injected store and safe for concurrent use.
type Coordinator struct {
	store     lease.Store
	leaseTTL  time.Duration
	resultTTL time.Duration
}

// NewCoordinator constructs a Coordinator over store. Non-positive TTLs fall
// back to the package defaults.
func NewCoordinator(store lease.Store, leaseTTL, resultTTL time.Duration) *Coordinator {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &Coordinator{store: store, leaseTTL: leaseTTL, resultTTL: resultTTL}
}

// CachedResult returns the stored result for key, if any. Store failures are
// logged and reported as "not cached": the worst case of failing open here is
// a duplicate processing attempt, never a false "already done" claim.
func (c *Coordinator) CachedResult(ctx context.Context, key Key) (*domain.CaptureResult, bool) {
	raw, found, err := c.store.Get(ctx, key.resultKey())
	if err != nil {
		log.Warn().Err(err).Str("org_id", key.OrgID).Msg("result cache read failed; treating as uncached")
		return nil, false
	}
	if !found {
		return nil, false
	}
	var res domain.CaptureResult
	if err := json.Unmarshal(raw, &res); err != nil {
		log.Error().Err(err).Str("org_id", key.OrgID).Msg("corrupt cached result; discarding")
		if derr := c.store.Delete(ctx, key.resultKey()); derr != nil {
			log.Warn().Err(derr).Msg("failed to delete corrupt cached result")
		}
		return nil, false
	}
	return &res, true
}

// AcquireLease attempts to take the processing lease for key. acquired is
// false when another worker, anywhere in the cluster, already holds it. The
// error is non-nil only when the store verdict is unknown (outage); callers
// must treat that as transient rather than as a lost race.
func (c *Coordinator) AcquireLease(ctx context.Context, key Key) (acquired bool, err error) {
	token := uuid.NewString()
	acquired, err = c.store.SetIfAbsentWithTTL(ctx, key.leaseKey(), []byte(token), c.leaseTTL)
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease drops the processing lease unconditionally. It is called on
// every terminal path so TTL expiry remains a crash fallback only. A failed
// delete is logged, not surfaced: the lease will lapse on its own.
func (c *Coordinator) ReleaseLease(ctx context.Context, key Key) {
	if err := c.store.Delete(ctx, key.leaseKey()); err != nil {
		log.Warn().Err(err).Str("org_id", key.OrgID).Msg("lease release failed; TTL expiry will reclaim it")
	}
}

// RefreshLease extends the lease mid-processing, for captures whose
// validation or persistence outlasts the default TTL. Purely a liveness aid.
func (c *Coordinator) RefreshLease(ctx context.Context, key Key) error {
	return c.store.Refresh(ctx, key.leaseKey(), c.leaseTTL)
}

// StoreResult caches the terminal result for key with the retention TTL.
// Call it before ReleaseLease so no concurrent caller can observe the key
// as both unleased and uncached once processing has completed.
func (c *Coordinator) StoreResult(ctx context.Context, key Key, res *domain.CaptureResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.store.SetWithTTL(ctx, key.resultKey(), raw, c.resultTTL)
}
