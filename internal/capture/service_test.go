package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tracegate/capture-gateway/internal/domain"
	"github.com/tracegate/capture-gateway/internal/idempotency"
	"github.com/tracegate/capture-gateway/internal/lease"
	"github.com/tracegate/capture-gateway/internal/signature"
)

const testSecret = "test-secret"

// countingPersister assigns sequential IDs and counts invocations.
type countingPersister struct {
	mu    sync.Mutex
	calls int
	fail  error
	slow  time.Duration
}

func (p *countingPersister) Persist(ctx context.Context, orgID string, events []domain.Event) ([]string, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	fail := p.fail
	slow := p.slow
	p.mu.Unlock()

	if slow > 0 {
		select {
		case <-time.After(slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = fmt.Sprintf("evt-%d-%d", n, i)
	}
	return ids, nil
}

func (p *countingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *countingPersister) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

type fixture struct {
	svc   *Service
	store *lease.Memory
	pers  *countingPersister
}

func newFixture(t *testing.T, leaseTTL time.Duration) *fixture {
	t.Helper()
	store := lease.NewMemory()
	verifier := signature.NewVerifier(signature.SecretResolverFunc(
		func(_ context.Context, orgID string) ([]byte, bool, error) {
			if orgID == "org-1" {
				return []byte(testSecret), true, nil
			}
			return nil, false, nil
		}), 5*time.Minute)
	idem := idempotency.NewCoordinator(store, leaseTTL, time.Hour)
	pers := &countingPersister{}
	svc := NewService(verifier, idem, NewStructuralValidator(), pers)
	return &fixture{svc: svc, store: store, pers: pers}
}

// signedHeaders builds valid headers for body with the shared test secret.
func signedHeaders(key string, body []byte) Headers {
	date := time.Now().UTC().Format(http.TimeFormat)
	return Headers{
		IdempotencyKey: key,
		Signature:      signature.Sign([]byte(testSecret), date, body),
		Date:           date,
	}
}

func validBody() []byte {
	return []byte(`{"events":[{"type":"ObjectEvent","epcList":["urn:epc:id:sgtin:1"]}]}`)
}

func TestCapture_AcceptsAndPersists(t *testing.T) {
	f := newFixture(t, time.Minute)
	body := validBody()

	res, err := f.svc.Capture(context.Background(), body, signedHeaders("abc123", body), "org-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if !res.Accepted || res.IngestedCount != 1 || len(res.EventIDs) != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if f.pers.count() != 1 {
		t.Fatalf("persister calls = %d; want 1", f.pers.count())
	}
}

func TestCapture_SequentialIdempotence(t *testing.T) {
	f := newFixture(t, time.Minute)
	body := validBody()
	hdr := signedHeaders("abc123", body)

	first, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("first Capture: %v", err)
	}
	second, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("second Capture: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("replay not byte-identical: %s vs %s", a, b)
	}
	if f.pers.count() != 1 {
		t.Fatalf("persister invoked %d times; want exactly 1", f.pers.count())
	}
}

func TestCapture_ConcurrentMutualExclusion(t *testing.T) {
	f := newFixture(t, time.Minute)
	// Slow the persister so all workers overlap inside the leased section.
	f.pers.slow = 50 * time.Millisecond

	body := validBody()
	hdr := signedHeaders("contended", body)

	const workers = 16
	var accepted, conflicts, other int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
			switch {
			case err == nil && res.Accepted:
				atomic.AddInt64(&accepted, 1)
			case errors.Is(err, ErrAlreadyProcessing):
				atomic.AddInt64(&conflicts, 1)
			default:
				atomic.AddInt64(&other, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Replays of the finished result also count as acceptances, but the
	// persister must have run exactly once either way.
	if f.pers.count() != 1 {
		t.Fatalf("persister invoked %d times under contention; want 1", f.pers.count())
	}
	if accepted < 1 {
		t.Fatalf("no worker completed the capture (accepted=%d conflicts=%d other=%d)", accepted, conflicts, other)
	}
	if other != 0 {
		t.Fatalf("unexpected outcomes: accepted=%d conflicts=%d other=%d", accepted, conflicts, other)
	}
	if accepted+conflicts != workers {
		t.Fatalf("outcome counts do not add up: accepted=%d conflicts=%d", accepted, conflicts)
	}
}

func TestCapture_LeaseHeldElsewhereConflicts(t *testing.T) {
	f := newFixture(t, time.Minute)
	body := validBody()
	hdr := signedHeaders("abc123", body)

	// Simulate a worker on another instance holding the lease.
	coord := idempotency.NewCoordinator(f.store, time.Minute, time.Hour)
	if ok, err := coord.AcquireLease(context.Background(), idempotency.Key{OrgID: "org-1", ClientKey: "abc123"}); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	_, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("expected ErrAlreadyProcessing, got %v", err)
	}
	if f.pers.count() != 0 {
		t.Fatal("persister must not run while the lease is held elsewhere")
	}
}

func TestCapture_LeaseExpiryRecovery(t *testing.T) {
	// Short lease TTL stands in for a crashed worker whose lease lapses.
	f := newFixture(t, 50*time.Millisecond)
	body := validBody()
	hdr := signedHeaders("abc123", body)

	coord := idempotency.NewCoordinator(f.store, 50*time.Millisecond, time.Hour)
	if ok, err := coord.AcquireLease(context.Background(), idempotency.Key{OrgID: "org-1", ClientKey: "abc123"}); err != nil || !ok {
		t.Fatalf("seed lease: ok=%v err=%v", ok, err)
	}

	// Never released; wait out the TTL.
	time.Sleep(80 * time.Millisecond)

	res, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("Capture after lease expiry: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected acceptance after recovery, got %+v", res)
	}
}

func TestCapture_TransientPersistFailureNotCached(t *testing.T) {
	f := newFixture(t, time.Minute)
	body := validBody()
	hdr := signedHeaders("abc123", body)

	f.pers.setFail(errors.New("event store down"))
	_, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}

	// Retry with the same key must be allowed to re-attempt and succeed.
	f.pers.setFail(nil)
	res, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected acceptance on retry, got %+v", res)
	}
	if f.pers.count() != 2 {
		t.Fatalf("persister calls = %d; want 2 (failed attempt + retry)", f.pers.count())
	}
}

func TestCapture_ValidationFailureCached(t *testing.T) {
	f := newFixture(t, time.Minute)
	body := []byte(`{"events":[{"type":"TeleportEvent"}]}`)
	hdr := signedHeaders("abc123", body)

	first, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if first.Accepted || len(first.Errors) == 0 {
		t.Fatalf("expected rejection with errors, got %+v", first)
	}

	// Identical invalid input gets the identical rejection from cache.
	second, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("replayed Capture: %v", err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Fatalf("cached rejection differs: %s vs %s", a, b)
	}
	if f.pers.count() != 0 {
		t.Fatal("persister must never run for an invalid batch")
	}
}

func TestCapture_StructuralBadRequests(t *testing.T) {
	f := newFixture(t, time.Minute)

	cases := []struct {
		name string
		body []byte
		hdr  func([]byte) Headers
	}{
		{"not json", []byte("not json"), func(b []byte) Headers { return signedHeaders("k", b) }},
		{"empty events", []byte(`{"events":[]}`), func(b []byte) Headers { return signedHeaders("k", b) }},
		{"no events field", []byte(`{}`), func(b []byte) Headers { return signedHeaders("k", b) }},
		{"missing idempotency key", validBody(), func(b []byte) Headers {
			h := signedHeaders("", b)
			return h
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Capture(context.Background(), tc.body, tc.hdr(tc.body), "org-1")
			if !errors.Is(err, ErrBadRequest) {
				t.Fatalf("expected ErrBadRequest, got %v", err)
			}
		})
	}
	if f.pers.count() != 0 {
		t.Fatal("persister must not run for structurally bad requests")
	}
}

func TestCapture_SignatureErrorsPropagate(t *testing.T) {
	f := newFixture(t, time.Minute)
	body := validBody()

	hdr := signedHeaders("abc123", body)
	hdr.Signature = "deadbeef"
	if _, err := f.svc.Capture(context.Background(), body, hdr, "org-1"); !errors.Is(err, signature.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	hdr = signedHeaders("abc123", body)
	if _, err := f.svc.Capture(context.Background(), body, hdr, "org-unknown"); !errors.Is(err, signature.ErrUnknownOrg) {
		t.Fatalf("expected ErrUnknownOrg, got %v", err)
	}

	// Authentication failures never touch the lease store.
	held, _ := f.store.Exists(context.Background(), "processing:org-1:abc123")
	if held {
		t.Fatal("lease must not be touched on authentication failure")
	}
}

// panicValidator blows up mid-processing to exercise guaranteed release.
type panicValidator struct{}

func (panicValidator) Validate(context.Context, []domain.Event) ([]string, error) {
	panic("validator exploded")
}

func TestCapture_LeaseReleasedOnPanic(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.svc.validator = panicValidator{}

	body := validBody()
	hdr := signedHeaders("abc123", body)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		f.svc.Capture(context.Background(), body, hdr, "org-1") //nolint:errcheck
	}()

	// The deferred release ran, so a fresh attempt can take the lease.
	f.svc.validator = NewStructuralValidator()
	res, err := f.svc.Capture(context.Background(), body, hdr, "org-1")
	if err != nil {
		t.Fatalf("Capture after panic: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("expected acceptance after panic recovery, got %+v", res)
	}
}

func TestCapture_LeaseStoreOutageIsTransient(t *testing.T) {
	verifier := signature.NewVerifier(signature.SecretResolverFunc(
		func(context.Context, string) ([]byte, bool, error) {
			return []byte(testSecret), true, nil
		}), 5*time.Minute)
	idem := idempotency.NewCoordinator(unavailableStore{}, time.Minute, time.Hour)
	svc := NewService(verifier, idem, NewStructuralValidator(), &countingPersister{})

	body := validBody()
	_, err := svc.Capture(context.Background(), body, signedHeaders("abc123", body), "org-1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient on store outage, got %v", err)
	}
}

func TestCapture_SecretResolverOutageIsTransient(t *testing.T) {
	boom := errors.New("secrets backend down")
	verifier := signature.NewVerifier(signature.SecretResolverFunc(
		func(context.Context, string) ([]byte, bool, error) {
			return nil, false, boom
		}), 5*time.Minute)
	store := lease.NewMemory()
	idem := idempotency.NewCoordinator(store, time.Minute, time.Hour)
	pers := &countingPersister{}
	svc := NewService(verifier, idem, NewStructuralValidator(), pers)

	body := validBody()
	_, err := svc.Capture(context.Background(), body, signedHeaders("abc123", body), "org-1")
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient on resolver outage, got %v", err)
	}
	// A lookup outage is not an authentication verdict.
	if errors.Is(err, signature.ErrUnknownOrg) || errors.Is(err, signature.ErrBadSignature) {
		t.Fatalf("lookup outage misclassified: %v", err)
	}
	if pers.count() != 0 {
		t.Fatal("persister must not run when the secret lookup fails")
	}
	if held, _ := store.Exists(context.Background(), "processing:org-1:abc123"); held {
		t.Fatal("lease must not be touched when the secret lookup fails")
	}
}

// unavailableStore fails every operation with lease.ErrUnavailable.
type unavailableStore struct{}

func (unavailableStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, lease.ErrUnavailable
}
func (unavailableStore) SetWithTTL(context.Context, string, []byte, time.Duration) error {
	return lease.ErrUnavailable
}
func (unavailableStore) SetIfAbsentWithTTL(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, lease.ErrUnavailable
}
func (unavailableStore) Delete(context.Context, string) error { return lease.ErrUnavailable }
func (unavailableStore) Exists(context.Context, string) (bool, error) {
	return false, lease.ErrUnavailable
}
func (unavailableStore) Refresh(context.Context, string, time.Duration) error {
	return lease.ErrUnavailable
}
