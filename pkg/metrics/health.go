package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the overall verdict of a health report.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded" // serving, but frame crypto is failing
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// Above this fraction of failed seal/open operations a passing endpoint is
// reported degraded.
const degradedErrorRate = 0.01

// CheckFunc returns nil when the checked component is fine.
type CheckFunc func() error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// HealthCheck evaluates readiness checks against a collector. The server
// binary registers "listener", the client binary "connected".
type HealthCheck struct {
	collector *Collector
	version   string
	started   time.Time

	mu     sync.RWMutex
	checks []namedCheck // sorted by name
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Metrics   *HealthMetrics         `json:"metrics,omitempty"`
}

// CheckResult is one check's outcome.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthMetrics is the slice of the collector shown in /health.
type HealthMetrics struct {
	SessionsActive    uint64  `json:"sessions_active"`
	SessionsTotal     uint64  `json:"sessions_total"`
	AuthFailures      uint64  `json:"auth_failures"`
	AdmissionRejects  uint64  `json:"admission_rejects"`
	ErrorRate         float64 `json:"error_rate,omitempty"`
	HandshakeP99Ms    float64 `json:"handshake_p99_ms,omitempty"`
	HeartbeatRTTP50Ms float64 `json:"heartbeat_rtt_p50_ms,omitempty"`
}

// NewHealthCheck creates a HealthCheck with no checks. collector may be nil.
func NewHealthCheck(collector *Collector, version string) *HealthCheck {
	return &HealthCheck{collector: collector, version: version, started: time.Now()}
}

// AddCheck registers fn under name, replacing an existing check of that name.
func (h *HealthCheck) AddCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := sort.Search(len(h.checks), func(i int) bool { return h.checks[i].name >= name })
	if i < len(h.checks) && h.checks[i].name == name {
		h.checks[i].fn = fn
		return
	}
	h.checks = append(h.checks, namedCheck{})
	copy(h.checks[i+1:], h.checks[i:])
	h.checks[i] = namedCheck{name, fn}
}

// RemoveCheck unregisters name.
func (h *HealthCheck) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.checks {
		if c.name == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// Check runs every check, in name order, outside the lock.
func (h *HealthCheck) Check() HealthResponse {
	h.mu.RLock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.RUnlock()

	resp := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Version:   h.version,
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for _, c := range checks {
		res := CheckResult{Status: HealthStatusHealthy}
		if err := c.fn(); err != nil {
			res = CheckResult{Status: HealthStatusUnhealthy, Message: err.Error()}
			resp.Status = HealthStatusUnhealthy
		}
		resp.Checks[c.name] = res
	}

	if h.collector != nil {
		resp.Metrics = healthMetrics(h.collector.Snapshot())
		if resp.Status == HealthStatusHealthy && resp.Metrics.ErrorRate > degradedErrorRate {
			resp.Status = HealthStatusDegraded
		}
	}
	return resp
}

func healthMetrics(snap Snapshot) *HealthMetrics {
	m := &HealthMetrics{
		SessionsActive:    snap.SessionsActive,
		SessionsTotal:     snap.SessionsTotal,
		AuthFailures:      snap.AuthFailures,
		AdmissionRejects:  snap.AdmissionRejects,
		HandshakeP99Ms:    snap.HandshakeLatency.P99,
		HeartbeatRTTP50Ms: snap.HeartbeatRTT.P50,
	}
	if ops := snap.FramesSent + snap.FramesRecv; ops > 0 {
		m.ErrorRate = float64(snap.EncryptErrors+snap.DecryptErrors) / float64(ops)
	}
	return m
}

// Handler serves the full report; 503 when unhealthy.
func (h *HealthCheck) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := h.Check()
		writeJSON(w, statusCode(resp.Status != HealthStatusUnhealthy), resp)
	})
}

// LivenessHandler always answers 200.
func (h *HealthCheck) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// ReadinessHandler answers 200 unless a check fails. A degraded endpoint is
// still ready.
func (h *HealthCheck) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := h.Check().Status
		ready := status != HealthStatusUnhealthy
		writeJSON(w, statusCode(ready), map[string]interface{}{"status": status, "ready": ready})
	})
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
