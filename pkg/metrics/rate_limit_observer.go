package metrics

import "github.com/pzverkov/sealtunnel/pkg/tunnel"

// RateLimitObserver implements tunnel.RateLimitObserver: it counts and logs
// connections turned away before their handshake.
type RateLimitObserver struct {
	collector *Collector
	logger    *Logger
}

var _ tunnel.RateLimitObserver = (*RateLimitObserver)(nil)

// NewRateLimitObserver creates a rate limit observer that records metrics and logs events.
func NewRateLimitObserver(collector *Collector, logger *Logger) *RateLimitObserver {
	if collector == nil {
		collector = Global()
	}
	if logger == nil {
		logger = GetLogger()
	}

	return &RateLimitObserver{
		collector: collector,
		logger:    logger.Named("admission"),
	}
}

// OnAdmissionRejected records a connection refused because the server is full.
func (o *RateLimitObserver) OnAdmissionRejected(remoteAddr string) {
	o.collector.RecordAdmissionReject()
	o.logger.Warn("active client limit reached, connection closed", remoteFields(remoteAddr))
}

// OnHandshakeRateLimit records a connection dropped by the handshake limiter.
func (o *RateLimitObserver) OnHandshakeRateLimit(remoteAddr string) {
	o.collector.RecordHandshakeRateLimit()
	o.logger.Warn("handshake rate limit exceeded", remoteFields(remoteAddr))
}

func remoteFields(remoteAddr string) Fields {
	if remoteAddr == "" {
		return nil
	}
	return Fields{"remote_addr": remoteAddr}
}
