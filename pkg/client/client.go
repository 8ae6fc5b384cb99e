// Package client implements the client side of a sealtunnel control channel:
// a reconnect loop that dials the server, runs the handshake and keeps the
// session alive with heartbeats until it fails or a disconnect is requested.
//
// Example:
//
//	c, err := client.New(client.Config{
//		Address:   "vpn.example.com:7443",
//		Identity:  identity,
//		ServerKey: serverKey,
//	})
//	c.OnConnectionChange(func(connected bool) { ... })
//	go c.Run(ctx)
//	c.RequestConnect()
package client

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/metrics"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
	"github.com/pzverkov/sealtunnel/pkg/tunnel"
)

// State is the client connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// Dialer opens the TCP connection to the server. *net.Dialer implements it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a Client.
type Config struct {
	// Address is the server host:port. Required.
	Address string

	// Identity is the client's long-term key. Required.
	Identity *crypto.IdentityKey

	// ServerKey pins the server identity. Nil accepts any correctly signed
	// server.
	ServerKey ed25519.PublicKey

	// Backoff paces reconnect attempts. backoff.Stop from NextBackOff ends
	// the connect request. Default: a constant DefaultRetryInterval.
	Backoff backoff.BackOff

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Dialer defaults to a *net.Dialer.
	Dialer Dialer

	// FrameHandler receives Data frames from the server.
	FrameHandler tunnel.FrameHandler

	Logger   *metrics.Logger
	Observer tunnel.Observer
}

// reconnectObserver is implemented by observers that count retries.
type reconnectObserver interface {
	OnReconnectAttempt()
}

// Client maintains one control channel to a server.
type Client struct {
	config Config
	log    *metrics.Logger

	// notifyMu orders state publication with callback delivery.
	notifyMu sync.Mutex

	mu         sync.Mutex
	state      State
	requested  bool
	generation uint64
	cancel     context.CancelFunc
	session    *tunnel.Session

	wake chan struct{}

	onStateChange      []func(old, new State)
	onConnectionChange []func(connected bool)
}

// New validates config and creates a client in StateIdle.
func New(config Config) (*Client, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("client: address required")
	}
	if config.Identity == nil {
		return nil, fmt.Errorf("client: identity key required")
	}
	if config.Backoff == nil {
		config.Backoff = backoff.NewConstantBackOff(constants.DefaultRetryInterval)
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = constants.DefaultDialTimeout
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = constants.DefaultHandshakeTimeout
	}
	if config.Dialer == nil {
		config.Dialer = &net.Dialer{}
	}
	logger := config.Logger
	if logger == nil {
		logger = metrics.GetLogger()
	}

	return &Client{
		config: config,
		log:    logger.Named("client").With(metrics.Fields{"server": config.Address}),
		state:  StateIdle,
		wake:   make(chan struct{}, 1),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every state transition. Callbacks run
// synchronously on the goroutine causing the transition and must not call
// RequestDisconnect.
func (c *Client) OnStateChange(fn func(old, new State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = append(c.onStateChange, fn)
}

// OnConnectionChange registers fn for changes of connectedness. It fires
// once when the client becomes Connected and once when it stops being so.
// Like OnStateChange callbacks, fn runs synchronously and must not call
// RequestDisconnect; RequestConnect, Send and State are safe.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionChange = append(c.onConnectionChange, fn)
}

// RequestConnect asks Run to connect and keep reconnecting. Calling it while
// a connection is already requested has no effect.
func (c *Client) RequestConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requested {
		return
	}
	c.requested = true
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// RequestDisconnect withdraws the connect request. Any dial, handshake,
// session or backoff wait in progress is cancelled at once. The active
// session is closed and the Disconnecting and Idle transitions are published
// before it returns. From Idle, for example during a backoff wait, no
// transition is published.
func (c *Client) RequestDisconnect() {
	c.mu.Lock()
	wasRequested := c.requested
	c.requested = false
	c.generation++
	gen := c.generation
	cancel := c.cancel
	c.cancel = nil
	session := c.session
	c.session = nil
	select {
	case <-c.wake:
	default:
	}
	idle := c.state == StateIdle
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		_ = session.Close("disconnect")
	}
	if wasRequested {
		c.log.Info("disconnect requested")
	}
	if idle {
		return
	}
	c.setState(gen, StateDisconnecting)
	c.setState(gen, StateIdle)
}

// Send writes a Data frame on the active session.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return qerrors.ErrNotConnected
	}
	return s.Send(payload)
}

// Stats returns the active session's statistics.
func (c *Client) Stats() (tunnel.Stats, bool) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return tunnel.Stats{}, false
	}
	return s.Stats(), true
}

// Run serves connect requests until ctx is done. It returns ctx.Err().
// Cancelling ctx ends any session in progress; a pending connect request
// survives and is served by the next Run.
func (c *Client) Run(ctx context.Context) error {
	for {
		attemptCtx, gen, err := c.waitForRequest(ctx)
		if err != nil {
			return err
		}
		c.connectLoop(attemptCtx, gen)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// waitForRequest blocks until a connect is requested, then returns a context
// that RequestDisconnect cancels, and the generation it belongs to.
func (c *Client) waitForRequest(ctx context.Context) (context.Context, uint64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		c.mu.Lock()
		if c.requested {
			attemptCtx, cancel := context.WithCancel(ctx)
			c.cancel = cancel
			gen := c.generation
			c.mu.Unlock()
			return attemptCtx, gen, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-c.wake:
		}
	}
}

func (c *Client) connectLoop(ctx context.Context, gen uint64) {
	defer c.finishAttempt(gen)

	c.config.Backoff.Reset()
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if r, ok := c.config.Observer.(reconnectObserver); ok {
				r.OnReconnectAttempt()
			}
		}

		err := c.connectOnce(ctx, gen)
		if ctx.Err() != nil {
			return
		}
		c.setState(gen, StateIdle)

		wait := c.config.Backoff.NextBackOff()
		if wait == backoff.Stop {
			c.log.Warn("giving up", metrics.Fields{"error": err.Error()})
			c.mu.Lock()
			if c.generation == gen {
				c.requested = false
			}
			c.mu.Unlock()
			return
		}
		c.log.Warn("connection failed", metrics.Fields{
			"error": err.Error(),
			"kind":  qerrors.KindOf(err).String(),
			"retry": wait.String(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// finishAttempt settles state after an attempt loop ends. It has no effect
// when a disconnect already superseded the attempt.
func (c *Client) finishAttempt(gen uint64) {
	c.mu.Lock()
	if c.generation == gen && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.setState(gen, StateIdle)
}

// connectOnce dials, handshakes and serves one session. It always returns a
// non-nil error: the reason the session ended.
func (c *Client) connectOnce(ctx context.Context, gen uint64) error {
	c.setState(gen, StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.config.DialTimeout)
	conn, err := c.config.Dialer.DialContext(dialCtx, "tcp", c.config.Address)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.Address, err)
	}

	var authorizer tunnel.Authorizer
	if c.config.ServerKey != nil {
		authorizer = tunnel.PinnedKey(c.config.ServerKey)
	}
	hsCtx, cancel := tunnel.WithHandshakeTimeout(ctx, c.config.HandshakeTimeout)
	result, err := tunnel.ClientHandshake(hsCtx, conn, tunnel.HandshakeConfig{
		Identity:   c.config.Identity,
		Authorizer: authorizer,
		Observer:   c.config.Observer,
	})
	cancel()
	if err != nil {
		_ = conn.Close()
		if qerrors.KindOf(err) == qerrors.KindAuth {
			c.log.Error("server failed authentication", metrics.Fields{"alert": "auth_failure", "error": err.Error()})
		}
		return err
	}

	session, err := tunnel.NewSession(conn, protocol.RoleClient, result, tunnel.SessionConfig{
		Heartbeat: &tunnel.HeartbeatConfig{
			Interval: c.config.HeartbeatInterval,
			Timeout:  c.config.HeartbeatTimeout,
		},
		Handler:  c.config.FrameHandler,
		Observer: c.config.Observer,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}

	if !c.attach(gen, session) {
		_ = session.Close("disconnect")
		return context.Canceled
	}
	defer c.detach(session)

	c.config.Backoff.Reset()
	c.setState(gen, StateConnected)
	c.log.Info("connected", metrics.Fields{"peer": session.PeerFingerprint()})

	return session.Run(ctx)
}

func (c *Client) attach(gen uint64, s *tunnel.Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.session = s
	return true
}

func (c *Client) detach(s *tunnel.Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()
}

// setState publishes a transition on behalf of generation gen. Stale
// generations and non-transitions are dropped.
func (c *Client) setState(gen uint64, next State) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.generation != gen || c.state == next {
		c.mu.Unlock()
		return
	}
	old := c.state
	c.state = next
	stateFns := append([]func(old, new State){}, c.onStateChange...)
	var connFns []func(bool)
	if (old == StateConnected) != (next == StateConnected) {
		connFns = append(connFns, c.onConnectionChange...)
	}
	c.mu.Unlock()

	c.log.Debug("state change", metrics.Fields{"from": old.String(), "to": next.String()})
	for _, fn := range stateFns {
		fn(old, next)
	}
	for _, fn := range connFns {
		fn(next == StateConnected)
	}
}
