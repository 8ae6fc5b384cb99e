package tunnel_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

func randomKeys(t *testing.T) *tunnel.SessionKeys {
	t.Helper()
	shared := crypto.MustSecureRandomBytes(32)
	var transcript [32]byte
	if err := crypto.SecureRandom(transcript[:]); err != nil {
		t.Fatalf("SecureRandom failed: %v", err)
	}
	k, err := tunnel.DeriveSessionKeys(shared, transcript)
	if err != nil {
		t.Fatalf("DeriveSessionKeys failed: %v", err)
	}
	return k
}

// channelPair returns a client and server channel over the same keys.
func channelPair(t *testing.T) (client, server *tunnel.SecureChannel) {
	t.Helper()
	k := randomKeys(t)
	copyKeys := *k

	var err error
	client, err = tunnel.NewSecureChannel(protocol.RoleClient, k)
	if err != nil {
		t.Fatalf("NewSecureChannel (client) failed: %v", err)
	}
	server, err = tunnel.NewSecureChannel(protocol.RoleServer, &copyKeys)
	if err != nil {
		t.Fatalf("NewSecureChannel (server) failed: %v", err)
	}
	return client, server
}

func TestChannelBothDirections(t *testing.T) {
	client, server := channelPair(t)

	for i := 0; i < 100; i++ {
		msg := []byte{byte(i), 1, 2, 3}
		ct, err := client.Seal(msg, []byte("hdr"))
		if err != nil {
			t.Fatalf("client Seal failed: %v", err)
		}
		pt, err := server.Open(ct, []byte("hdr"))
		if err != nil {
			t.Fatalf("server Open failed at %d: %v", i, err)
		}
		if !bytes.Equal(pt, msg) {
			t.Fatal("C2S plaintext mismatch")
		}

		ct, err = server.Seal(msg, nil)
		if err != nil {
			t.Fatalf("server Seal failed: %v", err)
		}
		if pt, err = client.Open(ct, nil); err != nil || !bytes.Equal(pt, msg) {
			t.Fatalf("S2C Open = %v, %v", pt, err)
		}
	}

	if client.SendCounter() != 100 || server.RecvCounter() != 100 {
		t.Errorf("counters = %d/%d, want 100", client.SendCounter(), server.RecvCounter())
	}
}

func TestChannelDirectionsUseDistinctKeys(t *testing.T) {
	client, server := channelPair(t)
	a, _ := client.Seal([]byte("same"), nil)
	b, _ := server.Seal([]byte("same"), nil)
	if bytes.Equal(a, b) {
		t.Error("C2S and S2C produced identical ciphertext")
	}
	// A client cannot open its own frames.
	if _, err := client.Open(a, nil); err == nil {
		t.Error("reflected frame was accepted")
	}
}

func TestChannelBreaksOnTamper(t *testing.T) {
	client, server := channelPair(t)

	ct, _ := client.Seal([]byte("payload"), []byte("ad"))
	ct[0] ^= 0x80
	pt, err := server.Open(ct, []byte("ad"))
	if pt != nil {
		t.Error("plaintext returned on failure")
	}
	if !errors.Is(err, qerrors.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if qerrors.KindOf(err) != qerrors.KindAuth {
		t.Errorf("kind = %v", qerrors.KindOf(err))
	}
	if !server.Broken() {
		t.Error("channel not broken after failure")
	}

	// Even an untouched later frame is refused.
	good, _ := client.Seal([]byte("next"), []byte("ad"))
	if _, err := server.Open(good, []byte("ad")); !errors.Is(err, qerrors.ErrChannelBroken) {
		t.Errorf("expected ErrChannelBroken, got %v", err)
	}
	if _, err := server.Seal([]byte("x"), nil); !errors.Is(err, qerrors.ErrChannelBroken) {
		t.Errorf("expected ErrChannelBroken on Seal, got %v", err)
	}
}

func TestChannelRejectsReorderAndReplay(t *testing.T) {
	client, server := channelPair(t)

	first, _ := client.Seal([]byte("one"), nil)
	second, _ := client.Seal([]byte("two"), nil)
	if _, err := server.Open(second, nil); err == nil {
		t.Fatal("out-of-order frame accepted")
	}

	client, server = channelPair(t)
	first, _ = client.Seal([]byte("one"), nil)
	if _, err := server.Open(first, nil); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := server.Open(first, nil); err == nil {
		t.Fatal("replayed frame accepted")
	}
}

func TestChannelNonceExhaustion(t *testing.T) {
	client, _ := channelPair(t)
	if err := tunnel.SetSendCounter(client, math.MaxUint64-1); err != nil {
		t.Fatalf("SetSendCounter failed: %v", err)
	}
	if _, err := client.Seal([]byte("last"), nil); err != nil {
		t.Fatalf("last Seal failed: %v", err)
	}
	_, err := client.Seal([]byte("over"), nil)
	if !errors.Is(err, qerrors.ErrNonceExhausted) {
		t.Fatalf("expected ErrNonceExhausted, got %v", err)
	}
	if qerrors.KindOf(err) != qerrors.KindResource {
		t.Errorf("kind = %v, want resource", qerrors.KindOf(err))
	}
	if client.SendCounter() != math.MaxUint64 {
		t.Error("counter wrapped")
	}
}

func TestChannelClose(t *testing.T) {
	client, _ := channelPair(t)
	client.Close()
	if _, err := client.Seal([]byte("x"), nil); !errors.Is(err, qerrors.ErrChannelBroken) {
		t.Errorf("expected ErrChannelBroken after Close, got %v", err)
	}
}

func TestNewSecureChannelValidation(t *testing.T) {
	if _, err := tunnel.NewSecureChannel(protocol.RoleClient, nil); err == nil {
		t.Error("nil keys should fail")
	}
	if _, err := tunnel.NewSecureChannel(protocol.Role(9), randomKeys(t)); !errors.Is(err, qerrors.ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}
