package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// DefaultNamespace prefixes every exported metric name.
const DefaultNamespace = "sealtunnel"

// PrometheusExporter renders a Collector in the Prometheus text exposition
// format, version 0.0.4.
type PrometheusExporter struct {
	collector *Collector
	namespace string
}

// NewPrometheusExporter creates an exporter. An empty namespace means
// DefaultNamespace.
func NewPrometheusExporter(c *Collector, namespace string) *PrometheusExporter {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &PrometheusExporter{collector: c, namespace: namespace}
}

// Handler serves WriteMetrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		e.WriteMetrics(w)
	})
}

// WriteMetrics writes one family per counter, gauge and histogram.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) {
	snap := e.collector.Snapshot()
	pw := &promWriter{w: bufio.NewWriter(w), ns: e.namespace, labels: renderLabels(snap.Labels)}
	defer pw.w.Flush()

	pw.gauge("sessions_active", "Number of currently established sessions", float64(snap.SessionsActive))
	for _, c := range []struct {
		name, help string
		v          uint64
	}{
		{"sessions_total", "Total number of sessions established", snap.SessionsTotal},
		{"sessions_failed_total", "Total number of failed handshakes", snap.SessionsFailed},
		{"bytes_sent_total", "Total plaintext bytes sealed", snap.BytesSent},
		{"bytes_received_total", "Total ciphertext bytes opened", snap.BytesReceived},
		{"frames_sent_total", "Total frames sent", snap.FramesSent},
		{"frames_received_total", "Total frames received", snap.FramesRecv},
		{"auth_failures_total", "Total signature and AEAD authentication failures", snap.AuthFailures},
		{"admission_rejects_total", "Connections closed because the active client limit was reached", snap.AdmissionRejects},
		{"handshake_rate_limited_total", "Connections closed by the handshake rate limiter", snap.HandshakeRateLimits},
		{"reconnect_attempts_total", "Client connect attempts after a failure", snap.ReconnectAttempts},
		{"encrypt_errors_total", "Total encryption errors", snap.EncryptErrors},
		{"decrypt_errors_total", "Total decryption errors", snap.DecryptErrors},
		{"protocol_errors_total", "Total format, policy and resource errors", snap.ProtocolErrors},
	} {
		pw.counter(c.name, c.help, c.v)
	}
	pw.gauge("uptime_seconds", "Time since the collector was created or reset", snap.Uptime.Seconds())

	pw.histogram("handshake_duration_milliseconds", "Handshake duration in milliseconds", snap.HandshakeLatency)
	pw.histogram("encrypt_duration_microseconds", "Frame seal duration in microseconds", snap.EncryptLatency)
	pw.histogram("decrypt_duration_microseconds", "Frame open duration in microseconds", snap.DecryptLatency)
	pw.histogram("heartbeat_rtt_milliseconds", "Heartbeat round trip in milliseconds", snap.HeartbeatRTT)
}

type promWriter struct {
	w      *bufio.Writer
	ns     string
	labels string // rendered constant labels, without braces
}

func (p *promWriter) header(name, typ, help string) string {
	full := p.ns + "_" + name
	fmt.Fprintf(p.w, "# HELP %s %s\n# TYPE %s %s\n", full, help, full, typ)
	return full
}

// sample writes one series line. extra is appended after the constant labels.
func (p *promWriter) sample(name, extra, value string) {
	labels := p.labels
	if extra != "" {
		if labels != "" {
			labels += ","
		}
		labels += extra
	}
	if labels == "" {
		fmt.Fprintf(p.w, "%s %s\n", name, value)
		return
	}
	fmt.Fprintf(p.w, "%s{%s} %s\n", name, labels, value)
}

func (p *promWriter) gauge(name, help string, v float64) {
	p.sample(p.header(name, "gauge", help), "", formatFloat(v))
}

func (p *promWriter) counter(name, help string, v uint64) {
	p.sample(p.header(name, "counter", help), "", strconv.FormatUint(v, 10))
}

// histogram writes cumulative buckets, then _sum and _count. An empty
// histogram has no buckets.
func (p *promWriter) histogram(name, help string, h HistogramSummary) {
	full := p.header(name, "histogram", help)
	for _, b := range h.Buckets {
		le := "+Inf"
		if !math.IsInf(b.UpperBound, 1) {
			le = formatFloat(b.UpperBound)
		}
		p.sample(full+"_bucket", `le="`+le+`"`, strconv.FormatUint(b.Count, 10))
	}
	p.sample(full+"_sum", "", formatFloat(h.Sum))
	p.sample(full+"_count", "", strconv.FormatUint(h.Count, 10))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// renderLabels renders labels sorted by key, values escaped.
func renderLabels(labels Labels) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + `="` + labelEscaper.Replace(labels[k]) + `"`
	}
	return strings.Join(parts, ",")
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
