package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Labels are constant key/value pairs attached to every exported series.
type Labels map[string]string

type counter int

const (
	sessionsActive counter = iota
	sessionsTotal
	sessionsFailed
	bytesSent
	bytesReceived
	framesSent
	framesRecv
	authFailures
	admissionRejects
	handshakeRateLimits
	reconnectAttempts
	encryptErrors
	decryptErrors
	protocolErrors
	numCounters
)

// Histogram bounds. Handshake and heartbeat histograms count milliseconds;
// seal/open histograms count microseconds.
var (
	HandshakeLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000}
	LatencyBuckets          = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000}
	HeartbeatRTTBuckets     = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500}
)

// Collector holds the counters and histograms of one endpoint. All methods
// are safe for concurrent use.
type Collector struct {
	counters [numCounters]atomic.Uint64

	handshakeLatency *Histogram
	encryptLatency   *Histogram
	decryptLatency   *Histogram
	heartbeatRTT     *Histogram

	since  atomic.Int64 // unix nanos of creation or last Reset
	labels Labels
}

// NewCollector creates an empty collector.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = Labels{}
	}
	c := &Collector{
		handshakeLatency: NewHistogram(time.Millisecond, HandshakeLatencyBuckets),
		encryptLatency:   NewHistogram(time.Microsecond, LatencyBuckets),
		decryptLatency:   NewHistogram(time.Microsecond, LatencyBuckets),
		heartbeatRTT:     NewHistogram(time.Millisecond, HeartbeatRTTBuckets),
		labels:           labels,
	}
	c.since.Store(time.Now().UnixNano())
	return c
}

func (c *Collector) inc(k counter) { c.counters[k].Add(1) }
func (c *Collector) add(k counter, n uint64) { c.counters[k].Add(n) }
func (c *Collector) load(k counter) uint64 { return c.counters[k].Load() }
func (c *Collector) histograms() []*Histogram {
	return []*Histogram{c.handshakeLatency, c.encryptLatency, c.decryptLatency, c.heartbeatRTT}
}

// SessionStarted counts an established session.
func (c *Collector) SessionStarted() {
	c.inc(sessionsActive)
	c.inc(sessionsTotal)
}

// SessionEnded releases an active session. The gauge stops at zero.
func (c *Collector) SessionEnded() {
	active := &c.counters[sessionsActive]
	for {
		n := active.Load()
		if n == 0 || active.CompareAndSwap(n, n-1) {
			return
		}
	}
}

// SessionFailed counts a handshake that produced no session.
func (c *Collector) SessionFailed() { c.inc(sessionsFailed) }

func (c *Collector) RecordBytesSent(n uint64) { c.add(bytesSent, n) }
func (c *Collector) RecordBytesReceived(n uint64) { c.add(bytesReceived, n) }
func (c *Collector) RecordFrameSent() { c.inc(framesSent) }
func (c *Collector) RecordFrameReceived() { c.inc(framesRecv) }

// RecordAuthFailure counts a bad signature or AEAD tag.
func (c *Collector) RecordAuthFailure() { c.inc(authFailures) }

// RecordAdmissionReject counts a connection closed because the active
// client limit was reached.
func (c *Collector) RecordAdmissionReject() { c.inc(admissionRejects) }

// RecordHandshakeRateLimit counts a connection closed by the handshake
// limiter.
func (c *Collector) RecordHandshakeRateLimit() { c.inc(handshakeRateLimits) }

// RecordReconnectAttempt counts a client connect attempt after a failure.
func (c *Collector) RecordReconnectAttempt() { c.inc(reconnectAttempts) }

func (c *Collector) RecordEncryptError() { c.inc(encryptErrors) }
func (c *Collector) RecordDecryptError() { c.inc(decryptErrors) }
func (c *Collector) RecordProtocolError() { c.inc(protocolErrors) }

func (c *Collector) RecordHandshakeLatency(d time.Duration) { c.handshakeLatency.Observe(d) }
func (c *Collector) RecordEncryptLatency(d time.Duration) { c.encryptLatency.Observe(d) }
func (c *Collector) RecordDecryptLatency(d time.Duration) { c.decryptLatency.Observe(d) }
func (c *Collector) RecordHeartbeatRTT(d time.Duration) { c.heartbeatRTT.Observe(d) }

// Snapshot is a point-in-time copy of a Collector.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	SessionsActive uint64
	SessionsTotal  uint64
	SessionsFailed uint64

	BytesSent     uint64
	BytesReceived uint64
	FramesSent    uint64
	FramesRecv    uint64

	AuthFailures        uint64
	AdmissionRejects    uint64
	HandshakeRateLimits uint64
	ReconnectAttempts   uint64

	EncryptErrors  uint64
	DecryptErrors  uint64
	ProtocolErrors uint64

	HandshakeLatency HistogramSummary
	EncryptLatency   HistogramSummary
	DecryptLatency   HistogramSummary
	HeartbeatRTT     HistogramSummary

	Labels Labels
}

// Snapshot reads every metric. Counters are read one by one, so a snapshot
// taken under load is not an atomic cut.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp:           now,
		Uptime:              now.Sub(time.Unix(0, c.since.Load())),
		SessionsActive:      c.load(sessionsActive),
		SessionsTotal:       c.load(sessionsTotal),
		SessionsFailed:      c.load(sessionsFailed),
		BytesSent:           c.load(bytesSent),
		BytesReceived:       c.load(bytesReceived),
		FramesSent:          c.load(framesSent),
		FramesRecv:          c.load(framesRecv),
		AuthFailures:        c.load(authFailures),
		AdmissionRejects:    c.load(admissionRejects),
		HandshakeRateLimits: c.load(handshakeRateLimits),
		ReconnectAttempts:   c.load(reconnectAttempts),
		EncryptErrors:       c.load(encryptErrors),
		DecryptErrors:       c.load(decryptErrors),
		ProtocolErrors:      c.load(protocolErrors),
		HandshakeLatency:    c.handshakeLatency.Summary(),
		EncryptLatency:      c.encryptLatency.Summary(),
		DecryptLatency:      c.decryptLatency.Summary(),
		HeartbeatRTT:        c.heartbeatRTT.Summary(),
		Labels:              c.labels,
	}
}

// Reset zeroes every counter and histogram and restarts the uptime clock.
func (c *Collector) Reset() {
	for i := range c.counters {
		c.counters[i].Store(0)
	}
	for _, h := range c.histograms() {
		h.Reset()
	}
	c.since.Store(time.Now().UnixNano())
}

var (
	globalCollectorMu sync.Mutex
	globalCollector   *Collector
)

// Global returns the process-wide collector, creating it on first use.
func Global() *Collector {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(Labels{"instance": "default"})
	}
	return globalCollector
}

// SetGlobal replaces the process-wide collector. Nil makes the next Global
// call create a fresh one.
func SetGlobal(c *Collector) {
	globalCollectorMu.Lock()
	globalCollector = c
	globalCollectorMu.Unlock()
}
