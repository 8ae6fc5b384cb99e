package metrics

import (
	"context"
	"time"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

// TunnelObserver implements tunnel.Observer and tunnel.RateLimitObserver on
// top of a Collector, a Tracer and a Logger. One observer may be shared by
// every connection of an endpoint.
type TunnelObserver struct {
	*RateLimitObserver

	collector *Collector
	tracer    Tracer
	logger    *Logger
	role      string
}

var (
	_ tunnel.Observer          = (*TunnelObserver)(nil)
	_ tunnel.RateLimitObserver = (*TunnelObserver)(nil)
)

// TunnelObserverConfig configures a tunnel observer.
type TunnelObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
	Role      string // "client" or "server"
}

// NewTunnelObserver creates a new tunnel observer. Nil fields take the
// package globals.
func NewTunnelObserver(cfg TunnelObserverConfig) *TunnelObserver {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}

	logger := cfg.Logger.Named("tunnel").With(Fields{"role": cfg.Role})
	return &TunnelObserver{
		RateLimitObserver: NewRateLimitObserver(cfg.Collector, cfg.Logger),
		collector:         cfg.Collector,
		tracer:            cfg.Tracer,
		logger:            logger,
		role:              cfg.Role,
	}
}

// OnSessionStart records an established session.
func (o *TunnelObserver) OnSessionStart() {
	o.collector.SessionStarted()
	o.logger.Debug("session started")
}

// OnSessionEnd records the end of an established session.
func (o *TunnelObserver) OnSessionEnd() {
	o.collector.SessionEnded()
	o.logger.Debug("session ended")
}

// OnSessionFailed records a handshake that did not produce a session.
func (o *TunnelObserver) OnSessionFailed(err error) {
	o.collector.SessionFailed()
	if qerrors.KindOf(err) == qerrors.KindTransport {
		o.logger.Debug("session failed", Fields{"error": err.Error()})
	}
}

// OnHandshakeStart returns a context and completion function for handshake tracing.
func (o *TunnelObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	spanName, kind := SpanHandshakeClient, SpanKindClient
	if o.role == "server" {
		spanName, kind = SpanHandshakeServer, SpanKindServer
	}

	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, spanName, WithSpanKind(kind), WithAttribute(AttrRole, o.role))

	return ctx, func(err error) {
		duration := time.Since(start)
		o.collector.RecordHandshakeLatency(duration)
		if err == nil {
			o.logger.Debug("handshake completed", Fields{"duration": duration.String()})
		}
		endSpan(err)
	}
}

// OnEncrypt records seal metrics.
func (o *TunnelObserver) OnEncrypt(ctx context.Context, plaintextLen int) (context.Context, func(error)) {
	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, SpanEncrypt, WithAttribute(AttrFrameBytes, plaintextLen))

	return ctx, func(err error) {
		o.collector.RecordEncryptLatency(time.Since(start))
		if err != nil {
			o.collector.RecordEncryptError()
		} else {
			o.collector.RecordBytesSent(uint64(plaintextLen))
			o.collector.RecordFrameSent()
		}
		endSpan(err)
	}
}

// OnDecrypt records open metrics.
func (o *TunnelObserver) OnDecrypt(ctx context.Context, ciphertextLen int) (context.Context, func(error)) {
	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, SpanDecrypt, WithAttribute(AttrFrameBytes, ciphertextLen))

	return ctx, func(err error) {
		o.collector.RecordDecryptLatency(time.Since(start))
		if err != nil {
			o.collector.RecordDecryptError()
		} else {
			o.collector.RecordBytesReceived(uint64(ciphertextLen))
			o.collector.RecordFrameReceived()
		}
		endSpan(err)
	}
}

// OnHeartbeat records a heartbeat round trip.
func (o *TunnelObserver) OnHeartbeat(rtt time.Duration) {
	o.collector.RecordHeartbeatRTT(rtt)
}

// OnAuthFailure records a signature or AEAD authentication failure. These
// are logged at error level with an alert field.
func (o *TunnelObserver) OnAuthFailure() {
	o.collector.RecordAuthFailure()
	o.logger.Error("authentication failed", Fields{"alert": "auth_failure"})
}

// OnProtocolError records a format, policy or resource error.
func (o *TunnelObserver) OnProtocolError(err error) {
	o.collector.RecordProtocolError()
	o.logger.Warn("protocol error", Fields{
		"error": err.Error(),
		"kind":  qerrors.KindOf(err).String(),
	})
}

// OnReconnectAttempt records a client retry after a failed attempt.
func (o *TunnelObserver) OnReconnectAttempt() {
	o.collector.RecordReconnectAttempt()
}

// Logger returns the observer's logger.
func (o *TunnelObserver) Logger() *Logger {
	return o.logger
}
