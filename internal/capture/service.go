package capture

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/tracegate/capture-gateway/internal/domain"
	"github.com/tracegate/capture-gateway/internal/idempotency"
	"github.com/tracegate/capture-gateway/internal/signature"
)

// Validator checks a batch of events against schema and business rules.
// It is an external collaborator consumed as a black box.
type Validator interface {
	// Validate returns one message per invalid event. A nil/empty slice
	// means the batch is valid. err is reserved for validator outages and
	// is treated as transient, never as a validation verdict.
	Validate(ctx context.Context, events []domain.Event) (problems []string, err error)
}

// Persister writes accepted events to the durable event store and returns
// the assigned event IDs in batch order. External collaborator; the gateway
// makes no attempt to deduplicate at this level (see package idempotency).
type Persister interface {
	Persist(ctx context.Context, orgID string, events []domain.Event) (ids []string, err error)
}

// Headers carries the request headers the orchestrator needs, already
// extracted from the transport.
type Headers struct {
	IdempotencyKey string
	Signature      string
	Date           string
}

// Service is the capture orchestrator. All coordination state lives behind
// the idempotency coordinator, so Service itself is stateless and safe for
// concurrent use across any number of instances.
type Service struct {
	verifier  *signature.Verifier
	idem      *idempotency.Coordinator
	validator Validator
	persister Persister
}

// NewService wires the orchestrator to its collaborators.
func NewService(v *signature.Verifier, idem *idempotency.Coordinator, val Validator, p Persister) *Service {
	return &Service{verifier: v, idem: idem, validator: val, persister: p}
}

// Capture processes one submission end to end:
//
//  1. structural parse of the body (non-empty events array)
//  2. signature and date verification
//  3. idempotent short-circuit on the cached result — checked before the
//     lease so a completed submission never re-enters processing
//  4. lease acquisition; a lost race returns ErrAlreadyProcessing
//  5. validate, persist, cache the result, release the lease
//
// The lease is released on every exit path from step 5, including panics.
// Transient validator/persister failures release without caching so the
// same key may retry.
func (s *Service) Capture(ctx context.Context, rawBody []byte, hdr Headers, orgID string) (*domain.CaptureResult, error) {
	if hdr.IdempotencyKey == "" {
		return nil, ErrBadRequest
	}
	var req domain.CaptureRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		return nil, ErrBadRequest
	}
	if len(req.Events) == 0 {
		return nil, ErrBadRequest
	}

	if err := s.verifier.Verify(ctx, rawBody, hdr.Signature, hdr.Date, orgID); err != nil {
		if isVerifyVerdict(err) {
			return nil, err
		}
		// Anything else out of Verify is a secret-lookup outage, not an
		// authentication verdict; retries may succeed once the backend is up.
		captureTotal.WithLabelValues(outcomeError).Inc()
		return nil, transient(err)
	}

	key := idempotency.Key{OrgID: orgID, ClientKey: hdr.IdempotencyKey}

	if res, found := s.idem.CachedResult(ctx, key); found {
		captureTotal.WithLabelValues(outcomeReplay).Inc()
		return res, nil
	}

	acquired, err := s.idem.AcquireLease(ctx, key)
	if err != nil {
		leaseFailures.Inc()
		captureTotal.WithLabelValues(outcomeError).Inc()
		return nil, transient(err)
	}
	if !acquired {
		captureTotal.WithLabelValues(outcomeConflict).Inc()
		return nil, ErrAlreadyProcessing
	}

	return s.process(ctx, key, orgID, req.Events)
}

// process runs the validator/persister under the held lease. Split out so
// the deferred release covers exactly the leased section.
func (s *Service) process(ctx context.Context, key idempotency.Key, orgID string, events []domain.Event) (res *domain.CaptureResult, err error) {
	// Release must happen even when the request context is already gone,
	// otherwise a client timeout pins the lease until TTL expiry.
	releaseCtx := context.WithoutCancel(ctx)
	defer s.idem.ReleaseLease(releaseCtx, key)

	problems, err := s.validator.Validate(ctx, events)
	if err != nil {
		captureTotal.WithLabelValues(outcomeError).Inc()
		return nil, transient(err)
	}
	if len(problems) > 0 {
		res = &domain.CaptureResult{Accepted: false, Errors: problems}
		// A rejection is terminal: identical invalid input must get the
		// same answer instantly on resubmission.
		s.cacheResult(releaseCtx, key, res)
		captureTotal.WithLabelValues(outcomeRejected).Inc()
		return res, nil
	}

	ids, err := s.persister.Persist(ctx, orgID, events)
	if err != nil {
		// Not cached and lease released by the deferred call, so a retry
		// with the same key is free to re-attempt.
		captureTotal.WithLabelValues(outcomeError).Inc()
		return nil, transient(err)
	}

	res = &domain.CaptureResult{Accepted: true, IngestedCount: len(ids), EventIDs: ids}
	s.cacheResult(releaseCtx, key, res)
	captureTotal.WithLabelValues(outcomeAccepted).Inc()
	captureEvents.Add(float64(len(ids)))
	return res, nil
}

// isVerifyVerdict reports whether err is one of the verifier's
// authentication verdicts, as opposed to a secret-lookup failure.
func isVerifyVerdict(err error) bool {
	return errors.Is(err, signature.ErrBadDate) ||
		errors.Is(err, signature.ErrClockSkew) ||
		errors.Is(err, signature.ErrUnknownOrg) ||
		errors.Is(err, signature.ErrBadSignature)
}

// cacheResult stores the terminal result, failing open on store outage: the
// caller still gets its result, at the cost of a possible duplicate attempt
// after the lease is gone.
func (s *Service) cacheResult(ctx context.Context, key idempotency.Key, res *domain.CaptureResult) {
	if err := s.idem.StoreResult(ctx, key, res); err != nil {
		log.Warn().Err(err).Str("org_id", key.OrgID).Msg("failed to cache capture result; retries may reprocess")
	}
}
