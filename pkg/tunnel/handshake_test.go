package tunnel_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

// Fixed-vector inputs: identity seeds and the bytes each side's Rand yields
// (32-byte ephemeral secret, then 16-byte nonce).
var (
	vecClientSeed = seq(0x00, 32)
	vecServerSeed = seq(0x20, 32)
	vecClientRand = seq(0x40, 48)
	vecServerRand = seq(0x70, 48)
)

const (
	vecClientIdentity = "03a107bff3ce10be1d70dd18e74bc09967e4d6309ba50d5f1ddc8664125531b8"
	vecServerIdentity = "29acbae141bccaf0b22e1a94d34d0bc7361e526d0bfe12c89794bc9322966dd7"
	vecClientHello    = "000101002003a107bff3ce10be1d70dd18e74bc09967e4d6309ba50d5f1ddc8664125531b8" +
		"002079a631eede1bf9c98f12032cdeadd0e7a079398fc786b88cc846ec89af85a51a" +
		"0010606162636465666768696a6b6c6d6e6f" +
		"0040e6fd34082778c0371722c2e01b3c6a710fe2baf7e1c2ca39fb2eef385fbbaab5e920835e101761330f73f02b1b43957a13aa73eb9579cfa79ef3b00357ad2308"
	vecServerHello = "000102002029acbae141bccaf0b22e1a94d34d0bc7361e526d0bfe12c89794bc9322966dd7" +
		"002023b7bb8c91ae008711fb12846780bcdf1e065f821bdfec49f57e7c7dcd4c4823" +
		"0010909192939495969798999a9b9c9d9e9f" +
		"0040420e5d9e6b8a6e358298aa1c04c92a28e810d4686b3e2493cba81186d8daec0668b6c84e911b8c72c04a7eb6157f438b5e2fa4a3795bbf2cb94774674c2bb50b"
	vecTranscript = "f61530084f50ae7f4ba17ea0cee5aeaf80c2859c59dff176aa5fd4da0d5512eb"
	vecKeyC2S     = "c32cd0de599205d7705f67aac8fa430afac9f71d66c9e3cc1a8ed6d6325f8d21"
	vecKeyS2C     = "0dbb920aae20b0a4de1d7c6dd35ae34b6d5c3b2c8474076e3dcf1cc7cdfcf0a6"
	vecNonceC2S   = "0d7fff0e"
	vecNonceS2C   = "4c2b7b7c"
	vecSeal0      = "823bbafd3d014eaab20e1f0009b58f29566d3c121fdf314c75814fb399"
	vecSeal1      = "bde67d1a72bc9688c52dce0d577ce04637196bfe"
)

func seq(start byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = start + byte(i)
	}
	return b
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func identityFromSeed(t *testing.T, seed []byte) *crypto.IdentityKey {
	t.Helper()
	k, err := crypto.NewIdentityFromSeed(seed)
	if err != nil {
		t.Fatalf("NewIdentityFromSeed failed: %v", err)
	}
	return k
}

func newIdentity(t *testing.T) *crypto.IdentityKey {
	t.Helper()
	k, err := crypto.GenerateIdentity(nil)
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	return k
}

// vectorHandshakes runs the step API over the fixed inputs.
func vectorHandshakes(t *testing.T) (clientHello, serverHello []byte, ck, sk *tunnel.SessionKeys) {
	t.Helper()
	client, err := tunnel.NewHandshake(protocol.RoleClient, tunnel.HandshakeConfig{
		Identity: identityFromSeed(t, vecClientSeed),
		Rand:     bytes.NewReader(vecClientRand),
	})
	if err != nil {
		t.Fatalf("NewHandshake (client) failed: %v", err)
	}
	server, err := tunnel.NewHandshake(protocol.RoleServer, tunnel.HandshakeConfig{
		Identity: identityFromSeed(t, vecServerSeed),
		Rand:     bytes.NewReader(vecServerRand),
	})
	if err != nil {
		t.Fatalf("NewHandshake (server) failed: %v", err)
	}

	clientHello, err = client.CreateHello()
	if err != nil {
		t.Fatalf("CreateHello (client) failed: %v", err)
	}
	if err := server.ProcessPeerHello(clientHello); err != nil {
		t.Fatalf("ProcessPeerHello (server) failed: %v", err)
	}
	serverHello, err = server.CreateHello()
	if err != nil {
		t.Fatalf("CreateHello (server) failed: %v", err)
	}
	if err := client.ProcessPeerHello(serverHello); err != nil {
		t.Fatalf("ProcessPeerHello (client) failed: %v", err)
	}

	if ck, err = client.DeriveKeys(); err != nil {
		t.Fatalf("DeriveKeys (client) failed: %v", err)
	}
	if sk, err = server.DeriveKeys(); err != nil {
		t.Fatalf("DeriveKeys (server) failed: %v", err)
	}
	return clientHello, serverHello, ck, sk
}

// --- Fixed-Vector Regression ---

func TestHandshakeFixedVector(t *testing.T) {
	if got := hex.EncodeToString(identityFromSeed(t, vecClientSeed).PublicKey()); got != vecClientIdentity {
		t.Fatalf("client identity = %s", got)
	}
	if got := hex.EncodeToString(identityFromSeed(t, vecServerSeed).PublicKey()); got != vecServerIdentity {
		t.Fatalf("server identity = %s", got)
	}

	clientHello, serverHello, ck, sk := vectorHandshakes(t)

	if got := hex.EncodeToString(clientHello); got != vecClientHello {
		t.Errorf("client hello mismatch:\n got %s\nwant %s", got, vecClientHello)
	}
	if got := hex.EncodeToString(serverHello); got != vecServerHello {
		t.Errorf("server hello mismatch:\n got %s\nwant %s", got, vecServerHello)
	}

	transcript := crypto.TranscriptHash(clientHello, serverHello)
	if got := hex.EncodeToString(transcript[:]); got != vecTranscript {
		t.Errorf("transcript = %s, want %s", got, vecTranscript)
	}

	for name, k := range map[string]*tunnel.SessionKeys{"client": ck, "server": sk} {
		if got := hex.EncodeToString(k.KeyC2S[:]); got != vecKeyC2S {
			t.Errorf("%s KeyC2S = %s", name, got)
		}
		if got := hex.EncodeToString(k.KeyS2C[:]); got != vecKeyS2C {
			t.Errorf("%s KeyS2C = %s", name, got)
		}
		if got := hex.EncodeToString(k.NonceBaseC2S[:]); got != vecNonceC2S {
			t.Errorf("%s NonceBaseC2S = %s", name, got)
		}
		if got := hex.EncodeToString(k.NonceBaseS2C[:]); got != vecNonceS2C {
			t.Errorf("%s NonceBaseS2C = %s", name, got)
		}
	}

	clientCh, err := tunnel.NewSecureChannel(protocol.RoleClient, ck)
	if err != nil {
		t.Fatalf("NewSecureChannel (client) failed: %v", err)
	}
	serverCh, err := tunnel.NewSecureChannel(protocol.RoleServer, sk)
	if err != nil {
		t.Fatalf("NewSecureChannel (server) failed: %v", err)
	}

	sealed0, err := clientCh.Seal([]byte("hello, tunnel"), []byte("v1"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if got := hex.EncodeToString(sealed0); got != vecSeal0 {
		t.Errorf("first sealed frame = %s, want %s", got, vecSeal0)
	}
	pt, err := serverCh.Open(sealed0, []byte("v1"))
	if err != nil || string(pt) != "hello, tunnel" {
		t.Fatalf("Open = %q, %v", pt, err)
	}

	if _, err := serverCh.Seal([]byte("ping"), nil); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	sealed1, err := serverCh.Seal([]byte("pong"), nil)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if got := hex.EncodeToString(sealed1); got != vecSeal1 {
		t.Errorf("second server frame = %s, want %s", got, vecSeal1)
	}
}

func TestChannelWipesKeys(t *testing.T) {
	_, _, ck, _ := vectorHandshakes(t)
	if _, err := tunnel.NewSecureChannel(protocol.RoleClient, ck); err != nil {
		t.Fatalf("NewSecureChannel failed: %v", err)
	}
	var zero tunnel.SessionKeys
	if *ck != zero {
		t.Error("session keys not wiped after channel construction")
	}
}

// --- Key Agreement ---

func TestHandshakeKeyAgreement(t *testing.T) {
	for i := 0; i < 20; i++ {
		client := newIdentity(t)
		server := newIdentity(t)
		cr, sr := pipeHandshake(t,
			tunnel.HandshakeConfig{Identity: client, Authorizer: tunnel.PinnedKey(server.PublicKey())},
			tunnel.HandshakeConfig{Identity: server, Authorizer: tunnel.NewAllowList(client.PublicKey())},
		)
		if cr.err != nil || sr.err != nil {
			t.Fatalf("handshake failed: client=%v server=%v", cr.err, sr.err)
		}
		if *cr.result.Keys != *sr.result.Keys {
			t.Fatal("client and server derived different keys")
		}
		if !bytes.Equal(cr.result.PeerIdentity, server.PublicKey()) {
			t.Error("client saw wrong server identity")
		}
		if !bytes.Equal(sr.result.PeerIdentity, client.PublicKey()) {
			t.Error("server saw wrong client identity")
		}
	}
}

func TestHandshakeFreshKeysPerRun(t *testing.T) {
	client, server := newIdentity(t), newIdentity(t)
	cfgC := tunnel.HandshakeConfig{Identity: client}
	cfgS := tunnel.HandshakeConfig{Identity: server}

	a, _ := pipeHandshake(t, cfgC, cfgS)
	b, _ := pipeHandshake(t, cfgC, cfgS)
	if a.err != nil || b.err != nil {
		t.Fatalf("handshake failed: %v %v", a.err, b.err)
	}
	if a.result.Keys.KeyC2S == b.result.Keys.KeyC2S {
		t.Error("two handshakes with the same identities produced the same keys")
	}
}

type handshakeOutcome struct {
	result *tunnel.HandshakeResult
	err    error
}

func pipeHandshake(t *testing.T, clientCfg, serverCfg tunnel.HandshakeConfig) (handshakeOutcome, handshakeOutcome) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var cr, sr handshakeOutcome
	wg.Add(2)
	go func() {
		defer wg.Done()
		cr.result, cr.err = tunnel.ClientHandshake(ctx, clientConn, clientCfg)
		if cr.err != nil {
			_ = clientConn.Close()
		}
	}()
	go func() {
		defer wg.Done()
		sr.result, sr.err = tunnel.ServerHandshake(ctx, serverConn, serverCfg)
		if sr.err != nil {
			_ = serverConn.Close()
		}
	}()
	wg.Wait()
	return cr, sr
}

// --- Rejections ---

func signedHello(t *testing.T, id *crypto.IdentityKey, mutate func(*protocol.HelloMessage)) []byte {
	t.Helper()
	m := &protocol.HelloMessage{Version: protocol.Current, Role: protocol.RoleClient}
	copy(m.IdentityKey[:], id.PublicKey())
	eph, err := crypto.GenerateX25519KeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateX25519KeyPair failed: %v", err)
	}
	copy(m.EphemeralKey[:], eph.PublicKeyBytes())
	if mutate != nil {
		mutate(m)
	}
	copy(m.Signature[:], id.Sign(m.SignedPayload()))
	return m.ToBytes()
}

func serverHandshake(t *testing.T, auth tunnel.Authorizer) *tunnel.Handshake {
	t.Helper()
	h, err := tunnel.NewHandshake(protocol.RoleServer, tunnel.HandshakeConfig{
		Identity:   newIdentity(t),
		Authorizer: auth,
	})
	if err != nil {
		t.Fatalf("NewHandshake failed: %v", err)
	}
	return h
}

func TestHandshakeRejections(t *testing.T) {
	client := newIdentity(t)
	stranger := newIdentity(t)

	tampered := signedHello(t, client, nil)
	tampered[len(tampered)-1] ^= 0x01

	tests := []struct {
		name  string
		hello []byte
		auth  tunnel.Authorizer
		want  error
		kind  qerrors.Kind
	}{
		{
			name:  "tampered signature",
			hello: tampered,
			want:  qerrors.ErrSignatureInvalid,
			kind:  qerrors.KindAuth,
		},
		{
			name:  "wrong role",
			hello: signedHello(t, client, func(m *protocol.HelloMessage) { m.Role = protocol.RoleServer }),
			want:  qerrors.ErrUnexpectedRole,
			kind:  qerrors.KindPolicy,
		},
		{
			name:  "wrong version",
			hello: signedHello(t, client, func(m *protocol.HelloMessage) { m.Version = protocol.Current + 1 }),
			want:  qerrors.ErrUnsupportedVersion,
			kind:  qerrors.KindPolicy,
		},
		{
			name:  "unauthorized key",
			hello: signedHello(t, client, nil),
			auth:  tunnel.NewAllowList(stranger.PublicKey()),
			want:  qerrors.ErrUnauthorizedPeer,
			kind:  qerrors.KindPolicy,
		},
		{
			name:  "truncated",
			hello: signedHello(t, client, nil)[:100],
			want:  qerrors.ErrTruncated,
			kind:  qerrors.KindFormat,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := serverHandshake(t, tt.auth)
			err := h.ProcessPeerHello(tt.hello)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if k := qerrors.KindOf(err); k != tt.kind {
				t.Errorf("kind = %v, want %v", k, tt.kind)
			}
			if !qerrors.IsFatal(err) {
				t.Error("handshake rejection must be fatal")
			}
			if h.State() != tunnel.HandshakeStateFailed {
				t.Errorf("state = %v, want Failed", h.State())
			}
			if h.PeerIdentity() != nil {
				t.Error("rejected peer identity must not be exposed")
			}
		})
	}
}

func TestHandshakeRejectsLowOrderEphemeral(t *testing.T) {
	client := newIdentity(t)
	hello := signedHello(t, client, func(m *protocol.HelloMessage) {
		m.EphemeralKey = [32]byte{} // the zero point has small order
	})

	h := serverHandshake(t, nil)
	if err := h.ProcessPeerHello(hello); err != nil {
		t.Fatalf("ProcessPeerHello failed: %v", err)
	}
	if _, err := h.CreateHello(); err != nil {
		t.Fatalf("CreateHello failed: %v", err)
	}
	_, err := h.DeriveKeys()
	if !errors.Is(err, qerrors.ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
	if qerrors.KindOf(err) != qerrors.KindAuth {
		t.Errorf("kind = %v, want auth", qerrors.KindOf(err))
	}
}

func TestHandshakeClientRejectsUnpinnedServer(t *testing.T) {
	client, server, other := newIdentity(t), newIdentity(t), newIdentity(t)
	cr, sr := pipeHandshake(t,
		tunnel.HandshakeConfig{Identity: client, Authorizer: tunnel.PinnedKey(other.PublicKey())},
		tunnel.HandshakeConfig{Identity: server},
	)
	if !errors.Is(cr.err, qerrors.ErrUnauthorizedPeer) {
		t.Errorf("client: expected ErrUnauthorizedPeer, got %v", cr.err)
	}
	// The server finished its side and learns of the failure only when the
	// client closes the connection.
	if sr.err != nil {
		t.Logf("server: %v", sr.err)
	}
}

func TestHandshakeServerClosesOnRejection(t *testing.T) {
	client, server := newIdentity(t), newIdentity(t)
	cr, sr := pipeHandshake(t,
		tunnel.HandshakeConfig{Identity: client},
		tunnel.HandshakeConfig{Identity: server, Authorizer: tunnel.NewAllowList()},
	)
	if !errors.Is(sr.err, qerrors.ErrUnauthorizedPeer) {
		t.Errorf("server: expected ErrUnauthorizedPeer, got %v", sr.err)
	}
	if cr.err == nil {
		t.Fatal("client should fail when the server hangs up")
	}
	if qerrors.KindOf(cr.err) != qerrors.KindTransport {
		t.Errorf("client should only see a transport error, got %v", cr.err)
	}
}

func TestHandshakeStepOrder(t *testing.T) {
	h, err := tunnel.NewHandshake(protocol.RoleClient, tunnel.HandshakeConfig{Identity: newIdentity(t)})
	if err != nil {
		t.Fatalf("NewHandshake failed: %v", err)
	}
	if h.State() != tunnel.HandshakeStateInitial {
		t.Errorf("state = %v", h.State())
	}
	if _, err := h.DeriveKeys(); !errors.Is(err, qerrors.ErrInvalidState) {
		t.Errorf("DeriveKeys before Hellos: expected ErrInvalidState, got %v", err)
	}
	if _, err := h.CreateHello(); err != nil {
		t.Fatalf("CreateHello failed: %v", err)
	}
	if h.State() != tunnel.HandshakeStateHelloSent {
		t.Errorf("state = %v", h.State())
	}
	if _, err := h.CreateHello(); !errors.Is(err, qerrors.ErrInvalidState) {
		t.Errorf("second CreateHello: expected ErrInvalidState, got %v", err)
	}
}

func TestNewHandshakeValidation(t *testing.T) {
	if _, err := tunnel.NewHandshake(protocol.RoleClient, tunnel.HandshakeConfig{}); err == nil {
		t.Error("missing identity should fail")
	}
	if _, err := tunnel.NewHandshake(protocol.Role(0), tunnel.HandshakeConfig{Identity: newIdentity(t)}); !errors.Is(err, qerrors.ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}
}

func TestHandshakeContextCancel(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		// Nobody reads or writes the server end, so the client blocks.
		_, err := tunnel.ClientHandshake(ctx, clientConn, tunnel.HandshakeConfig{Identity: newIdentity(t)})
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not return after cancel")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	ctx, cancel := tunnel.WithHandshakeTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tunnel.ServerHandshake(ctx, serverConn, tunnel.HandshakeConfig{Identity: newIdentity(t)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout took too long")
	}
}

// --- Authorizers ---

func TestAuthorizers(t *testing.T) {
	a, b := newIdentity(t).PublicKey(), newIdentity(t).PublicKey()

	if err := tunnel.AllowAll().Authorize(a); err != nil {
		t.Errorf("AllowAll rejected: %v", err)
	}

	pin := tunnel.PinnedKey(a)
	if err := pin.Authorize(a); err != nil {
		t.Errorf("PinnedKey rejected its key: %v", err)
	}
	if err := pin.Authorize(b); !errors.Is(err, qerrors.ErrUnauthorizedPeer) {
		t.Errorf("PinnedKey accepted other key: %v", err)
	}

	list := tunnel.NewAllowList(a)
	if list.Len() != 1 {
		t.Errorf("Len = %d", list.Len())
	}
	if err := list.Authorize(b); !errors.Is(err, qerrors.ErrUnauthorizedPeer) {
		t.Errorf("AllowList accepted unknown key: %v", err)
	}
	list.Add(b)
	if err := list.Authorize(b); err != nil {
		t.Errorf("AllowList rejected added key: %v", err)
	}
	list.Remove(a)
	if err := list.Authorize(a); err == nil {
		t.Error("AllowList accepted removed key")
	}

	custom := tunnel.AuthorizerFunc(func(ed25519.PublicKey) error { return errors.New("nope") })
	h := serverHandshake(t, custom)
	err := h.ProcessPeerHello(signedHello(t, newIdentity(t), nil))
	if !errors.Is(err, qerrors.ErrUnauthorizedPeer) {
		t.Errorf("custom authorizer error not classified as unauthorized: %v", err)
	}
}
