package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthCheckBasic(t *testing.T) {
	h := NewHealthCheck(NewCollector(nil), "1.0.0")

	response := h.Check()

	if response.Status != HealthStatusHealthy {
		t.Errorf("expected healthy status, got %s", response.Status)
	}
	if response.Version != "1.0.0" {
		t.Errorf("expected version 1.0.0, got %s", response.Version)
	}
	if response.Uptime == "" {
		t.Error("expected non-empty uptime")
	}
	if response.Metrics == nil {
		t.Error("expected metrics block")
	}
}

func TestHealthCheckWithFailingCheck(t *testing.T) {
	h := NewHealthCheck(NewCollector(nil), "1.0.0")
	h.AddCheck("listener", func() error { return nil })
	h.AddCheck("connected", func() error { return errors.New("client is idle") })

	response := h.Check()

	if response.Status != HealthStatusUnhealthy {
		t.Errorf("expected unhealthy status, got %s", response.Status)
	}
	if response.Checks["listener"].Status != HealthStatusHealthy {
		t.Error("listener check should pass")
	}
	if got := response.Checks["connected"]; got.Status != HealthStatusUnhealthy || got.Message != "client is idle" {
		t.Errorf("connected check = %+v", got)
	}

	h.RemoveCheck("connected")
	if h.Check().Status != HealthStatusHealthy {
		t.Error("expected healthy after removing failing check")
	}
}

func TestHealthCheckErrorRate(t *testing.T) {
	c := NewCollector(nil)
	h := NewHealthCheck(c, "")

	for i := 0; i < 10; i++ {
		c.RecordFrameSent()
	}
	c.RecordDecryptError()

	if got := h.Check().Status; got != HealthStatusDegraded {
		t.Errorf("expected degraded status with high error rate, got %s", got)
	}
}

func TestHealthHandlers(t *testing.T) {
	h := NewHealthCheck(NewCollector(nil), "1.0.0")
	failing := true
	h.AddCheck("connected", func() error {
		if failing {
			return errors.New("not connected")
		}
		return nil
	})

	w := httptest.NewRecorder()
	h.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health = %d, want 503", w.Code)
	}
	var body HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != HealthStatusUnhealthy {
		t.Errorf("body status = %s", body.Status)
	}

	w = httptest.NewRecorder()
	h.LivenessHandler().ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/healthz = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", w.Code)
	}

	failing = false
	w = httptest.NewRecorder()
	h.ReadinessHandler().ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("/readyz = %d, want 200", w.Code)
	}
	var ready map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &ready); err != nil || ready["ready"] != true {
		t.Errorf("readiness body = %v, %v", ready, err)
	}
}

func TestServerRoutes(t *testing.T) {
	server := NewServer(ServerConfig{Collector: NewCollector(nil), Version: "1.0.0"})

	for _, path := range []string{"/metrics", "/health", "/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, w.Code)
		}
	}

	server.Health().AddCheck("listener", func() error { return errors.New("closed") })
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health = %d with failing check, want 503", w.Code)
	}
}

func TestServerServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := NewServer(ServerConfig{Collector: NewCollector(nil)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ln) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", ln.Addr()))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestHealthCheckReplaceAndOrder(t *testing.T) {
	h := NewHealthCheck(nil, "")
	h.AddCheck("listener", func() error { return errors.New("closed") })
	h.AddCheck("connected", func() error { return nil })
	h.AddCheck("listener", func() error { return nil })

	resp := h.Check()
	if resp.Status != HealthStatusHealthy || len(resp.Checks) != 2 {
		t.Errorf("replaced check not used: %+v", resp)
	}
	if resp.Metrics != nil {
		t.Error("metrics reported without a collector")
	}

	h.RemoveCheck("missing")
	h.RemoveCheck("connected")
	if got := h.Check().Checks; len(got) != 1 {
		t.Errorf("checks after remove = %v", got)
	}
}

func TestHealthMetricsLatencies(t *testing.T) {
	c := NewCollector(nil)
	c.SessionStarted()
	c.RecordHandshakeLatency(40 * time.Millisecond)
	c.RecordHeartbeatRTT(3 * time.Millisecond)

	m := NewHealthCheck(c, "").Check().Metrics
	if m.SessionsActive != 1 || m.HandshakeP99Ms != 40 || m.HeartbeatRTTP50Ms != 3 {
		t.Errorf("health metrics = %+v", m)
	}
	if m.ErrorRate != 0 {
		t.Errorf("error rate without traffic = %v", m.ErrorRate)
	}
}
