package tunnel_test

import (
	"testing"
	"time"

	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

func TestHandshakeLimiterBurst(t *testing.T) {
	l := tunnel.NewHandshakeLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.AllowHandshake() {
			t.Fatalf("handshake %d rejected within burst", i)
		}
	}
	if l.AllowHandshake() {
		t.Error("handshake allowed beyond burst")
	}
}

func TestHandshakeLimiterRefill(t *testing.T) {
	l := tunnel.NewHandshakeLimiter(50, 1)
	if !l.AllowHandshake() {
		t.Fatal("first handshake rejected")
	}
	if l.AllowHandshake() {
		t.Fatal("bucket not empty")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.AllowHandshake() {
		t.Error("bucket did not refill")
	}
}

func TestHandshakeLimiterDisabled(t *testing.T) {
	l := tunnel.NewHandshakeLimiter(0, 10)
	if l != nil {
		t.Fatal("zero rate should disable the limiter")
	}
	for i := 0; i < 1000; i++ {
		if !l.AllowHandshake() {
			t.Fatal("disabled limiter rejected a handshake")
		}
	}
}
