// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file validates the X-Idempotency-Key request header on capture
// routes and stashes the normalized key in the request context. Lifecycle
// decisions (cache lookup, lease acquisition) belong to the idempotency
// coordinator, not the transport; the middleware only enforces that the
// header is present and well-formed before any coordination state is
// touched.
package middleware

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header that carries the caller-supplied
// idempotency key. The value must be stable across retries of the same
// logical submission; the server never generates it.
const HeaderIdempotencyKey = "X-Idempotency-Key"

// ctxKeyIdemKey is the Gin context key under which the validated key is
// stashed. Unexported; use GetIdempotencyKey.
const ctxKeyIdemKey = "idem.key"

// GetIdempotencyKey returns the validated idempotency key stored by
// RequireIdempotencyKey. The second return value indicates presence.
// Handlers should prefer this over reading the header directly.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IdempotencyOptions configures header validation for RequireIdempotencyKey.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, a conservative
	// RFC7230-like token pattern is used: ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// RequireIdempotencyKey validates the X-Idempotency-Key header and stashes
// it in the request context. The header is mandatory on routes carrying this
// middleware: a missing or malformed key is rejected with 400 before the
// body is read, so broken clients never reach the lease store.
func RequireIdempotencyKey(opts IdempotencyOptions) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "missing_idempotency_key",
				"message": "X-Idempotency-Key header is required",
			})
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid X-Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)
		c.Next()
	}
}
