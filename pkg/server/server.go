// Package server implements the accepting side of a sealtunnel control
// channel. It admits a bounded number of clients (one by default), rejects
// extra connections before any handshake work, and serves each admitted
// client until it disconnects or the server shuts down.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/metrics"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server: closed")

// Config configures a Server.
type Config struct {
	// ListenAddress is the host:port to bind. Default ":7443".
	ListenAddress string

	// Identity is the server's long-term key. Required.
	Identity *crypto.IdentityKey

	// Authorizer decides which client identities are accepted.
	// Nil accepts every correctly signed client.
	Authorizer tunnel.Authorizer

	// MaxActiveClients bounds concurrently admitted clients. Default 1.
	MaxActiveClients int

	HandshakeTimeout time.Duration

	// IdleTimeout ends a session when the client sends nothing for this
	// long. Default DefaultServerIdleTimeout; negative disables it.
	IdleTimeout time.Duration

	// HandshakeRate is the sustained handshakes per second across all
	// clients, with bursts of HandshakeBurst. Zero or negative disables it.
	HandshakeRate  float64
	HandshakeBurst int

	FrameHandler tunnel.FrameHandler

	Logger   *metrics.Logger
	Observer tunnel.Observer
}

// ConnState is the lifecycle state of one accepted connection.
type ConnState int

const (
	ConnAccepted ConnState = iota
	ConnActive
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnAccepted:
		return "Accepted"
	case ConnActive:
		return "Active"
	case ConnClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnInfo describes an admitted connection.
type ConnInfo struct {
	ID              string
	RemoteAddr      string
	State           ConnState
	PeerFingerprint string
	AcceptedAt      time.Time
}

// Server accepts sealtunnel clients.
type Server struct {
	config    Config
	log       *metrics.Logger
	admission *tunnel.Admission
	limiter   *tunnel.HandshakeLimiter

	mu      sync.Mutex
	ln      net.Listener
	cancel  context.CancelFunc
	serving bool
	closed  bool
	conns   map[string]*ConnInfo
}

// New validates config and creates a server.
func New(config Config) (*Server, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("server: identity key required")
	}
	if config.ListenAddress == "" {
		config.ListenAddress = net.JoinHostPort("", strconv.Itoa(constants.DefaultListenPort))
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = constants.DefaultServerIdleTimeout
	} else if config.IdleTimeout < 0 {
		config.IdleTimeout = 0
	}
	logger := config.Logger
	if logger == nil {
		logger = metrics.GetLogger()
	}
	logger = logger.Named("server")

	if config.Authorizer == nil {
		logger.Warn("no client allow-list configured, accepting any signed client")
		config.Authorizer = tunnel.AllowAll()
	}

	return &Server{
		config:    config,
		log:       logger,
		admission: tunnel.NewAdmission(config.MaxActiveClients),
		limiter:   tunnel.NewHandshakeLimiter(config.HandshakeRate, config.HandshakeBurst),
		conns:     make(map[string]*ConnInfo),
	}, nil
}

// ListenAndServe binds ListenAddress and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called, then
// waits for every connection handler to return. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.ln = ln
	s.cancel = cancel
	s.serving = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.serving = false
		s.mu.Unlock()
	}()

	s.log.Info("listening", metrics.Fields{
		"addr":        ln.Addr().String(),
		"max_clients": s.admission.Capacity(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		retry := newAcceptBackOff()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return fmt.Errorf("accept: %w", err)
				}
				// Out of descriptors and similar: the live sessions stay up.
				wait := retry.NextBackOff()
				s.log.Warn("accept failed", metrics.Fields{"error": err.Error(), "retry": wait.String()})
				timer := time.NewTimer(wait)
				select {
				case <-gctx.Done():
					timer.Stop()
					return nil
				case <-timer.C:
				}
				continue
			}
			retry.Reset()

			permit, ok := s.admission.TryAcquire()
			if !ok {
				s.reject(conn, "admission")
				continue
			}
			if !s.limiter.AllowHandshake() {
				permit.Release()
				s.reject(conn, "rate")
				continue
			}

			g.Go(func() error {
				s.handle(gctx, conn, permit)
				return nil
			})
		}
	})

	err := g.Wait()
	s.log.Info("stopped")
	return err
}

// newAcceptBackOff paces retries after a failed Accept, from 5ms up to 1s.
func newAcceptBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// reject closes conn without reading from it.
func (s *Server) reject(conn net.Conn, reason string) {
	addr := conn.RemoteAddr().String()
	_ = conn.Close()

	s.log.Debug("connection rejected", metrics.Fields{"remote_addr": addr, "reason": reason})
	if o, ok := s.config.Observer.(tunnel.RateLimitObserver); ok {
		if reason == "admission" {
			o.OnAdmissionRejected(addr)
		} else {
			o.OnHandshakeRateLimit(addr)
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, permit *tunnel.Permit) {
	defer permit.Release()
	defer conn.Close()

	info := &ConnInfo{
		ID:         uuid.NewString(),
		RemoteAddr: conn.RemoteAddr().String(),
		State:      ConnAccepted,
		AcceptedAt: time.Now(),
	}
	s.track(info)
	defer s.untrack(info)

	log := s.log.With(metrics.Fields{"conn_id": info.ID, "remote_addr": info.RemoteAddr})
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panic", metrics.Fields{"panic": fmt.Sprint(r)})
		}
	}()

	hsCtx, cancel := tunnel.WithHandshakeTimeout(ctx, s.config.HandshakeTimeout)
	result, err := tunnel.ServerHandshake(hsCtx, conn, tunnel.HandshakeConfig{
		Identity:   s.config.Identity,
		Authorizer: s.config.Authorizer,
		Observer:   s.config.Observer,
	})
	cancel()
	if err != nil {
		logHandshakeError(log, err)
		return
	}

	session, err := tunnel.NewSession(conn, protocol.RoleServer, result, tunnel.SessionConfig{
		IdleTimeout: s.config.IdleTimeout,
		Handler:     recoverHandler(s.config.FrameHandler),
		Observer:    s.config.Observer,
	})
	if err != nil {
		log.Error("session setup failed", metrics.Fields{"error": err.Error()})
		return
	}

	s.setState(info, ConnActive, session.PeerFingerprint())
	log = log.With(metrics.Fields{"peer": session.PeerFingerprint()})
	log.Info("client connected")

	err = session.Run(ctx)
	stats := session.Stats()
	fields := metrics.Fields{
		"uptime":     stats.Uptime.Round(time.Millisecond).String(),
		"frames_in":  stats.FramesReceived,
		"frames_out": stats.FramesSent,
	}
	if err != nil && !errors.Is(err, qerrors.ErrTunnelClosed) && ctx.Err() == nil {
		fields["error"] = err.Error()
	}
	log.Info("client disconnected", fields)
}

// recoverHandler turns a panic in h into an error that ends the session.
func recoverHandler(h tunnel.FrameHandler) tunnel.FrameHandler {
	if h == nil {
		return nil
	}
	return tunnel.FrameHandlerFunc(func(ctx context.Context, payload []byte) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("frame handler panic: %v", r)
			}
		}()
		return h.HandleFrame(ctx, payload)
	})
}

func logHandshakeError(log *metrics.Logger, err error) {
	fields := metrics.Fields{"error": err.Error(), "kind": qerrors.KindOf(err).String()}
	switch qerrors.KindOf(err) {
	case qerrors.KindAuth:
		fields["alert"] = "auth_failure"
		log.Error("handshake failed", fields)
	case qerrors.KindTransport:
		log.Debug("handshake aborted", fields)
	default:
		log.Warn("handshake rejected", fields)
	}
}

func (s *Server) track(info *ConnInfo) {
	s.mu.Lock()
	s.conns[info.ID] = info
	s.mu.Unlock()
}

func (s *Server) untrack(info *ConnInfo) {
	s.mu.Lock()
	info.State = ConnClosed
	delete(s.conns, info.ID)
	s.mu.Unlock()
}

func (s *Server) setState(info *ConnInfo, state ConnState, peer string) {
	s.mu.Lock()
	info.State = state
	info.PeerFingerprint = peer
	s.mu.Unlock()
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ActiveConnections returns the number of admitted connections, including
// those still handshaking.
func (s *Server) ActiveConnections() int {
	return s.admission.Active()
}

// Connections returns a snapshot of admitted connections ordered by accept
// time.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, *c)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AcceptedAt.Before(out[j].AcceptedAt) })
	return out
}

// Listening reports whether Serve is running.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving && !s.closed
}

// Close stops the accept loop and ends every session. Serve returns once
// the handlers finish.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}
