// Capture HTTP handlers.
//
// This file exposes the event capture endpoint:
//   - POST /capture (signed, idempotent batch ingestion)
//
// Handlers are transport-thin: they read the raw body and headers, call the
// capture orchestrator, and translate its error taxonomy into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tracegate/capture-gateway/internal/capture"
	"github.com/tracegate/capture-gateway/internal/domain"
	"github.com/tracegate/capture-gateway/internal/http/middleware"
	"github.com/tracegate/capture-gateway/internal/signature"
)

//
// Service contracts (context-aware)
//

// CaptureService defines the capture orchestration operation consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type CaptureService interface {
	// Capture runs one signed submission through verification, the
	// idempotency lifecycle, validation, and persistence.
	Capture(ctx context.Context, rawBody []byte, hdr capture.Headers, orgID string) (*domain.CaptureResult, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the capture API. It depends on an
// abstract service interface to keep transport concerns separate from the
// orchestration logic.
type Handlers struct {
	captureSvc CaptureService
}

// New constructs and returns a Handlers instance bound to the given service.
func New(captureSvc CaptureService) *Handlers {
	return &Handlers{captureSvc: captureSvc}
}

// Capture godoc
// @ID          captureEvents
// @Summary     Capture a batch of events
// @Description Ingests a signed batch of supply-chain events exactly once per
// @Description idempotency key. Retries with the same key replay the recorded
// @Description outcome without reprocessing.
// @Tags        Capture
// @Accept      json
// @Produce     json
//
// @Param       X-Organization-ID  header  string  true  "Submitting organization"          example(org-acme)
// @Param       X-Idempotency-Key  header  string  true  "Client-chosen idempotency key"    example(order-2024-00042)
// @Param       X-Signature        header  string  true  "Hex HMAC-SHA256 of date and body" example(9b2f...)
// @Param       Date               header  string  true  "RFC 7231 request date"            example(Mon, 02 Jan 2006 15:04:05 GMT)
// @Param       body               body    domain.CaptureRequest  true  "Event batch"
//
// @Success     202  {object}  domain.CaptureResult  "Batch accepted and persisted"
// @Success     200  {object}  domain.CaptureResult  "Batch rejected by validation (terminal, replayable)"
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed body, date, or excessive clock skew"
// @Failure     401  {object}  handlers.ErrorResponse  "Unknown organization or bad signature"
// @Failure     409  {object}  handlers.ErrorResponse  "Same key currently being processed"
// @Failure     503  {object}  handlers.ErrorResponse  "Transient backend failure, retry with the same key"
// @Router      /capture [post]
func (h *Handlers) Capture(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unable to read request body")
		return
	}

	orgID, okOrg := middleware.OrgID(c)
	if !okOrg {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "organization not resolved")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	hdr := capture.Headers{
		IdempotencyKey: key,
		Signature:      c.GetHeader(middleware.HeaderSignature),
		Date:           c.GetHeader("Date"),
	}

	res, err := h.captureSvc.Capture(c.Request.Context(), body, hdr, orgID)
	if err != nil {
		h.failCapture(c, err)
		return
	}

	// A validation rejection is a terminal, replayable outcome, not a
	// transport error, so it travels with 200 rather than 4xx. Fresh
	// acceptance and its replays both use 202.
	status := http.StatusAccepted
	if !res.Accepted {
		status = http.StatusOK
	}
	ok(c, status, res)
}

// failCapture maps the orchestrator's error taxonomy onto HTTP statuses and
// stable error codes.
func (h *Handlers) failCapture(c *gin.Context, err error) {
	switch {
	case errors.Is(err, capture.ErrBadRequest):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body must be a JSON object with a non-empty events array")
	case errors.Is(err, signature.ErrBadDate):
		fail(c, http.StatusBadRequest, ErrCodeBadDate, "Date header missing or not RFC 7231")
	case errors.Is(err, signature.ErrClockSkew):
		fail(c, http.StatusBadRequest, ErrCodeClockSkew, "request date outside the accepted clock-skew window")
	case errors.Is(err, signature.ErrUnknownOrg):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "unknown organization")
	case errors.Is(err, signature.ErrBadSignature):
		fail(c, http.StatusUnauthorized, ErrCodeBadSignature, "request signature verification failed")
	case errors.Is(err, capture.ErrAlreadyProcessing):
		fail(c, http.StatusConflict, ErrCodeCaptureInProgress, "a capture with this idempotency key is still being processed")
	case errors.Is(err, capture.ErrTransient):
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "temporary backend failure, retry with the same idempotency key")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
	}
}
