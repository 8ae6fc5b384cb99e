package tunnel

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
)

// FrameHandler consumes Data frame payloads. The payload is owned by the
// handler. Returning an error ends the session.
type FrameHandler interface {
	HandleFrame(ctx context.Context, payload []byte) error
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(ctx context.Context, payload []byte) error

// HandleFrame calls f(ctx, payload).
func (f FrameHandlerFunc) HandleFrame(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// SessionConfig configures an established session.
type SessionConfig struct {
	// Heartbeat enables client-side liveness probing. Nil disables it.
	Heartbeat *HeartbeatConfig

	// IdleTimeout closes the session when no frame arrives for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// Handler receives Data frames. Nil discards them.
	Handler FrameHandler

	// Observer receives channel events.
	Observer Observer
}

// Session is an established control channel: the sealed transport plus the
// frame dispatch loop.
type Session struct {
	role        protocol.Role
	transport   *Transport
	heartbeat   *Heartbeater
	handler     FrameHandler
	observer    Observer
	peer        ed25519.PublicKey
	established time.Time
}

// NewSession builds the secure channel from a handshake result and wraps conn.
// The result's keys are consumed.
func NewSession(conn net.Conn, role protocol.Role, result *HandshakeResult, config SessionConfig) (*Session, error) {
	channel, err := NewSecureChannel(role, result.Keys)
	if err != nil {
		return nil, err
	}
	observer := observerOrNop(config.Observer)
	t := NewTransport(conn, channel, TransportConfig{
		ReadTimeout:  config.IdleTimeout,
		WriteTimeout: config.WriteTimeout,
		Observer:     observer,
	})

	s := &Session{
		role:        role,
		transport:   t,
		handler:     config.Handler,
		observer:    observer,
		peer:        result.PeerIdentity,
		established: time.Now(),
	}
	if config.Heartbeat != nil {
		s.heartbeat = NewHeartbeater(t, *config.Heartbeat, observer)
	}
	return s, nil
}

// Run serves the session until the peer closes, an error occurs or ctx is
// done. The transport is closed on return. A cancelled ctx is reported as
// ctx.Err(); a peer Close as ErrTunnelClosed.
func (s *Session) Run(ctx context.Context) error {
	s.observer.OnSessionStart()
	defer s.observer.OnSessionEnd()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.readLoop(gctx)
	})
	if s.heartbeat != nil {
		g.Go(func() error {
			return s.heartbeat.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = s.transport.Close()
		return nil
	})

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		f, err := s.transport.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if s.heartbeat != nil {
			s.heartbeat.Seen()
		}

		switch f.Type {
		case protocol.FrameHeartbeat:
			if err := AnswerHeartbeat(s.transport, f.Payload); err != nil {
				return err
			}
		case protocol.FrameHeartbeatAck:
			if s.heartbeat != nil {
				if err := s.heartbeat.HandleAck(f.Payload); err != nil {
					return err
				}
			}
		case protocol.FrameData:
			if s.handler != nil {
				if err := s.handler.HandleFrame(ctx, f.Payload); err != nil {
					return err
				}
			}
		case protocol.FrameClose:
			return qerrors.ErrTunnelClosed
		}
	}
}

// Send writes a Data frame.
func (s *Session) Send(payload []byte) error {
	return s.transport.WriteFrame(protocol.FrameData, payload)
}

// Close closes the session with an optional reason. It is idempotent.
func (s *Session) Close(reason string) error {
	return s.transport.CloseWithReason(reason)
}

// Role returns the local role.
func (s *Session) Role() protocol.Role {
	return s.role
}

// PeerIdentity returns the verified peer identity key.
func (s *Session) PeerIdentity() ed25519.PublicKey {
	return s.peer
}

// PeerFingerprint returns the hex encoding of the peer identity key.
func (s *Session) PeerFingerprint() string {
	return hex.EncodeToString(s.peer)
}

// Transport returns the underlying transport.
func (s *Session) Transport() *Transport {
	return s.transport
}

// Stats returns session statistics.
func (s *Session) Stats() Stats {
	ts := s.transport.Stats()
	st := Stats{
		TransportStats: ts,
		EstablishedAt:  s.established,
		Uptime:         time.Since(s.established),
	}
	if s.heartbeat != nil {
		st.LastRTT = s.heartbeat.LastRTT()
	}
	return st
}

// Stats holds session statistics.
type Stats struct {
	TransportStats
	EstablishedAt time.Time
	Uptime        time.Duration
	LastRTT       time.Duration
}
