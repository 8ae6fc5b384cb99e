package tunnel

import (
	"golang.org/x/time/rate"
)

// HandshakeLimiter limits the rate of handshakes using a token bucket.
// A nil limiter allows everything.
type HandshakeLimiter struct {
	limiter *rate.Limiter
}

// NewHandshakeLimiter creates a limiter admitting perSecond handshakes on
// average with bursts of up to burst. A non-positive rate disables limiting.
func NewHandshakeLimiter(perSecond float64, burst int) *HandshakeLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &HandshakeLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// AllowHandshake reports whether a handshake may start now (consumes 1 token).
func (l *HandshakeLimiter) AllowHandshake() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
