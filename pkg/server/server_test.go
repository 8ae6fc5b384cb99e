package server_test

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/metrics"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
	"github.com/pzverkov/sealtunnel/pkg/server"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

const waitFor = 5 * time.Second

type harness struct {
	srv       *server.Server
	addr      string
	serverID  *crypto.IdentityKey
	collector *metrics.Collector
	done      chan error
}

func newIdentity(t *testing.T) *crypto.IdentityKey {
	t.Helper()
	id, err := crypto.GenerateIdentity(nil)
	require.NoError(t, err)
	return id
}

// startServer runs a server on a loopback port. Identity, Logger and
// Observer are filled in when unset.
func startServer(t *testing.T, cfg server.Config) *harness {
	t.Helper()

	h := &harness{collector: metrics.NewCollector(nil), done: make(chan error, 1)}
	if cfg.Identity == nil {
		cfg.Identity = newIdentity(t)
	}
	h.serverID = cfg.Identity
	if cfg.Logger == nil {
		cfg.Logger = metrics.NullLogger()
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NewTunnelObserver(metrics.TunnelObserverConfig{
			Collector: h.collector,
			Logger:    cfg.Logger,
			Role:      "server",
		})
	}

	srv, err := server.New(cfg)
	require.NoError(t, err)
	h.srv = srv

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h.addr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- srv.Serve(ctx, ln) }()
	require.Eventually(t, srv.Listening, waitFor, 5*time.Millisecond)

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitFor):
			t.Error("Serve did not return")
		}
	})
	return h
}

// connect performs a client handshake against addr and starts the session.
func connect(t *testing.T, addr string, id *crypto.IdentityKey, serverKey ed25519.PublicKey) (*tunnel.Session, <-chan error, error) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	result, err := tunnel.ClientHandshake(ctx, conn, tunnel.HandshakeConfig{
		Identity:   id,
		Authorizer: tunnel.PinnedKey(serverKey),
	})
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	session, err := tunnel.NewSession(conn, protocol.RoleClient, result, tunnel.SessionConfig{})
	require.NoError(t, err)

	runCtx, stop := context.WithCancel(context.Background())
	// done yields the result once and is then closed, so tests may drain it
	// before the cleanup waits on it.
	done := make(chan error, 1)
	go func() {
		done <- session.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		stop()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("session did not stop")
		}
	})
	return session, done, nil
}

func (h *harness) waitActive(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		active := 0
		for _, c := range h.srv.Connections() {
			if c.State == server.ConnActive {
				active++
			}
		}
		return active == n
	}, waitFor, 5*time.Millisecond)
}

func TestNewRequiresIdentity(t *testing.T) {
	_, err := server.New(server.Config{})
	require.Error(t, err)
}

func TestServerSingleTenantAdmission(t *testing.T) {
	clientID := newIdentity(t)
	h := startServer(t, server.Config{Authorizer: tunnel.NewAllowList(clientID.PublicKey())})

	first, _, err := connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.NoError(t, err)
	h.waitActive(t, 1)
	assert.Equal(t, 1, h.srv.ActiveConnections())

	conns := h.srv.Connections()
	require.Len(t, conns, 1)
	assert.NotEmpty(t, conns[0].ID)
	assert.Equal(t, clientID.Fingerprint(), conns[0].PeerFingerprint)

	_, _, err = connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.Error(t, err, "second client must be turned away")
	assert.Equal(t, qerrors.KindTransport, qerrors.KindOf(err))
	assert.Eventually(t, func() bool { return h.collector.Snapshot().AdmissionRejects == 1 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, h.collector.Snapshot().SessionsFailed, "rejected connection must not reach the handshake")

	require.NoError(t, first.Close("done"))
	require.Eventually(t, func() bool { return h.srv.ActiveConnections() == 0 }, waitFor, 5*time.Millisecond)

	_, _, err = connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.NoError(t, err, "permit must be released after the first client leaves")
	h.waitActive(t, 1)
}

func TestServerRejectsUnauthorizedClient(t *testing.T) {
	allowed := newIdentity(t)
	stranger := newIdentity(t)
	h := startServer(t, server.Config{Authorizer: tunnel.NewAllowList(allowed.PublicKey())})

	_, _, err := connect(t, h.addr, stranger, h.serverID.PublicKey())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		snap := h.collector.Snapshot()
		return snap.ProtocolErrors == 1 && snap.SessionsFailed == 1
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.srv.ActiveConnections() == 0 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, h.collector.Snapshot().SessionsTotal)
}

func TestServerHandshakeRateLimit(t *testing.T) {
	clientID := newIdentity(t)
	h := startServer(t, server.Config{
		MaxActiveClients: 4,
		HandshakeRate:    0.001,
		HandshakeBurst:   1,
	})

	_, _, err := connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.NoError(t, err)

	_, _, err = connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.Error(t, err)
	assert.Eventually(t, func() bool { return h.collector.Snapshot().HandshakeRateLimits == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, h.srv.ActiveConnections())
}

func TestServerDeliversFramesAndShutsDown(t *testing.T) {
	received := make(chan []byte, 1)
	h := startServer(t, server.Config{
		FrameHandler: tunnel.FrameHandlerFunc(func(_ context.Context, payload []byte) error {
			received <- payload
			return nil
		}),
	})

	session, done, err := connect(t, h.addr, newIdentity(t), h.serverID.PublicKey())
	require.NoError(t, err)
	require.NoError(t, session.Send([]byte("status")))

	select {
	case got := <-received:
		assert.Equal(t, "status", string(got))
	case <-time.After(waitFor):
		t.Fatal("frame not delivered")
	}

	require.NoError(t, h.srv.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, qerrors.ErrTunnelClosed)
	case <-time.After(waitFor):
		t.Fatal("client session did not end after server Close")
	}
	assert.True(t, session.Transport().PeerClosed())

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after Close")
	}
	assert.False(t, h.srv.Listening())
}

func TestServerIdleTimeout(t *testing.T) {
	h := startServer(t, server.Config{IdleTimeout: 100 * time.Millisecond})

	_, done, err := connect(t, h.addr, newIdentity(t), h.serverID.PublicKey())
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, qerrors.ErrTunnelClosed)
	case <-time.After(waitFor):
		t.Fatal("idle session was not closed")
	}
	require.Eventually(t, func() bool { return h.srv.ActiveConnections() == 0 }, waitFor, 5*time.Millisecond)
}

func TestServerHandlerPanicReleasesPermit(t *testing.T) {
	clientID := newIdentity(t)
	h := startServer(t, server.Config{
		FrameHandler: tunnel.FrameHandlerFunc(func(context.Context, []byte) error {
			panic("boom")
		}),
	})

	session, done, err := connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.NoError(t, err)
	require.NoError(t, session.Send([]byte("x")))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(waitFor):
		t.Fatal("session survived a handler panic")
	}
	require.Eventually(t, func() bool { return h.srv.ActiveConnections() == 0 }, waitFor, 5*time.Millisecond)

	_, _, err = connect(t, h.addr, clientID, h.serverID.PublicKey())
	require.NoError(t, err)
}

func TestServeAfterClose(t *testing.T) {
	srv, err := server.New(server.Config{Identity: newIdentity(t), Logger: metrics.NullLogger()})
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	err = srv.Serve(context.Background(), ln)
	assert.True(t, errors.Is(err, server.ErrServerClosed))
	assert.Nil(t, srv.Addr())
}

// failingListener fails the first n Accept calls before delegating.
type failingListener struct {
	net.Listener
	failures atomic.Int64
}

func (l *failingListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept4: too many open files")
	}
	return l.Listener.Accept()
}

func TestServerSurvivesAcceptErrors(t *testing.T) {
	serverID := newIdentity(t)
	srv, err := server.New(server.Config{Identity: serverID, Logger: metrics.NullLogger()})
	require.NoError(t, err)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &failingListener{Listener: inner}
	ln.failures.Store(5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	_, _, err = connect(t, inner.Addr().String(), newIdentity(t), serverID.PublicKey())
	require.NoError(t, err, "a connection after transient accept failures should be served")
	assert.True(t, srv.Listening())
	assert.LessOrEqual(t, ln.failures.Load(), int64(0))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return")
	}
}

func TestServerStopsWhenListenerClosed(t *testing.T) {
	srv, err := server.New(server.Config{Identity: newIdentity(t), Logger: metrics.NullLogger()})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()
	require.Eventually(t, srv.Listening, waitFor, 5*time.Millisecond)

	require.NoError(t, ln.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(waitFor):
		t.Fatal("Serve did not return after its listener closed")
	}
}
