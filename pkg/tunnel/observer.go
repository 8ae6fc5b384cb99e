package tunnel

import (
	"context"
	"time"
)

// Observer provides hooks for channel lifecycle, metrics, and tracing.
// Implementations should be lightweight; callbacks may run on hot paths.
type Observer interface {
	OnSessionStart()
	OnSessionEnd()
	OnSessionFailed(err error)
	OnHandshakeStart(ctx context.Context) (context.Context, func(error))
	OnEncrypt(ctx context.Context, plaintextLen int) (context.Context, func(error))
	OnDecrypt(ctx context.Context, ciphertextLen int) (context.Context, func(error))
	OnHeartbeat(rtt time.Duration)
	OnAuthFailure()
	OnProtocolError(err error)
}

// RateLimitObserver hears about connections the server turns away before
// their handshake starts.
type RateLimitObserver interface {
	// OnAdmissionRejected: the active client limit was reached.
	OnAdmissionRejected(remoteAddr string)
	// OnHandshakeRateLimit: the global handshake rate was exceeded.
	OnHandshakeRateLimit(remoteAddr string)
}

// nopObserver is used when no observer is configured.
type nopObserver struct{}

func (nopObserver) OnSessionStart()           {}
func (nopObserver) OnSessionEnd()             {}
func (nopObserver) OnSessionFailed(error)     {}
func (nopObserver) OnHeartbeat(time.Duration) {}
func (nopObserver) OnAuthFailure()            {}
func (nopObserver) OnProtocolError(error)     {}

func (nopObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) OnEncrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) OnDecrypt(ctx context.Context, _ int) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
