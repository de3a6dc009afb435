// Package capture implements the request-level control flow of the gateway:
// signature verification, the idempotent short-circuit, lease acquisition,
// delegation to the validator and persister, and result caching. This file
// centralizes the service-level error values; translation into HTTP statuses
// happens at the handler layer.
package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest is returned for submissions that fail structural checks
	// before any coordination state is touched: unparsable JSON, a missing
	// or empty events array, or a missing idempotency key.
	ErrBadRequest = errors.New("malformed capture request")

	// ErrAlreadyProcessing is returned when the processing lease for the
	// idempotency key is held elsewhere. The submission is in flight, not
	// failed; callers should retry after a backoff.
	ErrAlreadyProcessing = errors.New("submission already being processed")

	// ErrTransient marks failures of the lease store, validator, or
	// persister that are safe to retry. Results are never cached on this
	// path and the lease is always released, so a retry with the same key
	// is permitted to re-attempt.
	ErrTransient = errors.New("transient capture failure")
)

// transient wraps err so it matches ErrTransient under errors.Is while
// preserving the underlying cause for logs.
func transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
