// Package ids supplies monotonic timing and request/session identifiers for
// the gateway. It exists so that every other package reads time through one
// seam — tests can substitute a fake clock without patching time.Now.
package ids

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

// Clock abstracts the passage of time so pool/breaker/queue components can be
// driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the process clock. It is the default used outside tests.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewRequestID returns a fresh UUIDv4 string for request-scoped correlation.
func NewRequestID() string {
	return uuid.NewString()
}

// SessionIDFromRequest derives a stable session identifier for a request:
// body-supplied metadata (already extracted by the caller) takes precedence,
// then the X-Session-Id header, then a freshly synthesized UUID when neither
// is present.
func SessionIDFromRequest(ctx *fasthttp.RequestCtx, bodySessionID string) string {
	if s := strings.TrimSpace(bodySessionID); s != "" {
		return s
	}
	if h := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Session-Id"))); h != "" {
		return h
	}
	return uuid.NewString()
}
