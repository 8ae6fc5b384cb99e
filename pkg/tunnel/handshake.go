// handshake.go implements the mutually authenticated handshake.
//
// Handshake Protocol:
//
//	Client                                 Server
//	    |                                      |
//	    | -------- Hello (role=client) -------> |
//	    |   - version, role                    |
//	    |   - Ed25519 identity key             |
//	    |   - X25519 ephemeral key, nonce      |
//	    |   - signature over the above         |
//	    |                                      |
//	    |        [Server verifies, authorizes] |
//	    |                                      |
//	    | <------- Hello (role=server) -------- |
//	    |                                      |
//	    |   [Client verifies, authorizes]      |
//	    |   [Both derive session keys]         |
//	    |                                      |
//	    |    === Channel Established ===       |
//
// Security Properties:
//   - Forward secrecy: ephemeral X25519 keys per handshake
//   - Mutual authentication: each Hello is signed by the sender's identity
//   - Key binding: the transcript hash salts key derivation, so a
//     substituted Hello yields keys the peer does not share
//   - Freshness: a random nonce in every Hello
package tunnel

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
)

// HandshakeState represents the current state of the handshake.
type HandshakeState int

const (
	HandshakeStateInitial HandshakeState = iota
	HandshakeStateHelloSent
	HandshakeStatePeerVerified
	HandshakeStateReady
	HandshakeStateComplete
	HandshakeStateFailed
)

// String returns a human-readable name for the handshake state.
func (s HandshakeState) String() string {
	switch s {
	case HandshakeStateInitial:
		return "Initial"
	case HandshakeStateHelloSent:
		return "HelloSent"
	case HandshakeStatePeerVerified:
		return "PeerVerified"
	case HandshakeStateReady:
		return "Ready"
	case HandshakeStateComplete:
		return "Complete"
	case HandshakeStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HandshakeConfig configures one side of a handshake.
type HandshakeConfig struct {
	// Identity signs our Hello. Required.
	Identity *crypto.IdentityKey

	// Authorizer decides whether the verified peer identity is acceptable.
	// Nil accepts any signer.
	Authorizer Authorizer

	// Rand supplies the ephemeral secret (read first, 32 bytes) and the
	// Hello nonce (16 bytes). Nil means the system CSPRNG.
	Rand io.Reader

	// Observer receives handshake start/finish and failure events.
	Observer Observer
}

// HandshakeResult is what a successful handshake hands to the channel layer.
type HandshakeResult struct {
	Keys         *SessionKeys
	PeerIdentity ed25519.PublicKey
}

// Handshake is one side of the two-message handshake. It is not safe for
// concurrent use.
type Handshake struct {
	role   protocol.Role
	config HandshakeConfig
	state  HandshakeState

	ephemeral  *crypto.X25519KeyPair
	localHello []byte
	peerHello  []byte
	peer       *protocol.HelloMessage
}

// NewHandshake creates a handshake for role.
func NewHandshake(role protocol.Role, config HandshakeConfig) (*Handshake, error) {
	if !role.Valid() {
		return nil, qerrors.ErrInvalidRole
	}
	if config.Identity == nil {
		return nil, fmt.Errorf("handshake: identity key required: %w", qerrors.ErrInvalidState)
	}
	if config.Authorizer == nil {
		config.Authorizer = AllowAll()
	}
	return &Handshake{role: role, config: config, state: HandshakeStateInitial}, nil
}

// CreateHello generates the ephemeral key pair and nonce and returns our
// signed Hello in wire form.
func (h *Handshake) CreateHello() ([]byte, error) {
	if h.localHello != nil || h.state == HandshakeStateFailed || h.state == HandshakeStateComplete {
		return nil, qerrors.ErrInvalidState
	}

	ephemeral, err := crypto.GenerateX25519KeyPair(h.config.Rand)
	if err != nil {
		return nil, h.fail(err)
	}
	h.ephemeral = ephemeral

	msg := &protocol.HelloMessage{
		Version: protocol.Current,
		Role:    h.role,
	}
	copy(msg.IdentityKey[:], h.config.Identity.PublicKey())
	copy(msg.EphemeralKey[:], ephemeral.PublicKeyBytes())
	if err := crypto.ReadRandom(h.config.Rand, msg.Nonce[:]); err != nil {
		return nil, h.fail(err)
	}
	copy(msg.Signature[:], h.config.Identity.Sign(msg.SignedPayload()))

	h.localHello = msg.ToBytes()
	h.advance()
	return append([]byte(nil), h.localHello...), nil
}

// ProcessPeerHello decodes and verifies the peer's Hello. Checks run in
// order: format, version, role, signature, authorization. The first
// failure aborts the handshake.
func (h *Handshake) ProcessPeerHello(data []byte) error {
	if h.peer != nil || h.state == HandshakeStateFailed || h.state == HandshakeStateComplete {
		return qerrors.ErrInvalidState
	}

	msg, err := protocol.HelloFromBytes(data)
	if err != nil {
		return h.fail(err)
	}
	if !msg.Version.IsCompatible() {
		return h.fail(qerrors.NewProtocolError("handshake",
			fmt.Errorf("peer sent %s: %w", msg.Version, qerrors.ErrUnsupportedVersion)))
	}
	if msg.Role != h.role.Opposite() {
		return h.fail(qerrors.NewProtocolError("handshake",
			fmt.Errorf("peer claims role %s: %w", msg.Role, qerrors.ErrUnexpectedRole)))
	}
	if !crypto.Verify(msg.IdentityKey[:], msg.SignedPayload(), msg.Signature[:]) {
		return h.fail(qerrors.NewProtocolError("handshake", qerrors.ErrSignatureInvalid))
	}
	identity := ed25519.PublicKey(append([]byte(nil), msg.IdentityKey[:]...))
	if err := h.config.Authorizer.Authorize(identity); err != nil {
		if !qerrors.Is(err, qerrors.ErrUnauthorizedPeer) {
			err = fmt.Errorf("%w: %v", qerrors.ErrUnauthorizedPeer, err)
		}
		return h.fail(qerrors.NewProtocolError("handshake", err))
	}

	h.peer = msg
	h.peerHello = append([]byte(nil), data...)
	h.advance()
	return nil
}

// DeriveKeys computes the session keys once both Hellos are known and wipes
// all handshake secrets.
func (h *Handshake) DeriveKeys() (*SessionKeys, error) {
	if h.state != HandshakeStateReady {
		return nil, qerrors.ErrInvalidState
	}

	shared, err := h.ephemeral.SharedSecret(h.peer.EphemeralKey[:])
	if err != nil {
		return nil, h.fail(qerrors.NewProtocolError("handshake", err))
	}
	defer crypto.Zeroize(shared)

	clientHello, serverHello := h.localHello, h.peerHello
	if h.role == protocol.RoleServer {
		clientHello, serverHello = serverHello, clientHello
	}
	transcript := crypto.TranscriptHash(clientHello, serverHello)
	defer crypto.Zeroize(transcript[:])

	keys, err := DeriveSessionKeys(shared, transcript)
	if err != nil {
		return nil, h.fail(err)
	}

	h.state = HandshakeStateComplete
	h.cleanup()
	return keys, nil
}

// PeerIdentity returns the verified peer identity, or nil before
// ProcessPeerHello has succeeded.
func (h *Handshake) PeerIdentity() ed25519.PublicKey {
	if h.peer == nil {
		return nil
	}
	return append(ed25519.PublicKey(nil), h.peer.IdentityKey[:]...)
}

// Abort wipes handshake secrets and marks the handshake failed.
func (h *Handshake) Abort() {
	if h.state != HandshakeStateComplete {
		h.state = HandshakeStateFailed
	}
	h.cleanup()
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	return h.state
}

// IsComplete returns true if the handshake completed successfully.
func (h *Handshake) IsComplete() bool {
	return h.state == HandshakeStateComplete
}

// Role returns the local role.
func (h *Handshake) Role() protocol.Role {
	return h.role
}

func (h *Handshake) advance() {
	switch {
	case h.localHello != nil && h.peer != nil:
		h.state = HandshakeStateReady
	case h.peer != nil:
		h.state = HandshakeStatePeerVerified
	case h.localHello != nil:
		h.state = HandshakeStateHelloSent
	}
}

func (h *Handshake) fail(err error) error {
	h.Abort()
	return err
}

// cleanup zeroizes sensitive handshake data. The verified peer Hello header
// is kept so PeerIdentity keeps working.
func (h *Handshake) cleanup() {
	if h.ephemeral != nil {
		h.ephemeral.Zeroize()
		h.ephemeral = nil
	}
	crypto.ZeroizeMultiple(h.localHello, h.peerHello)
	h.localHello = nil
	h.peerHello = nil
	if h.peer != nil {
		crypto.ZeroizeMultiple(h.peer.EphemeralKey[:], h.peer.Nonce[:], h.peer.Signature[:])
	}
}

// --- High-Level API ---

// ClientHandshake performs the complete handshake as client: it sends its
// Hello first, then reads and verifies the server's.
func ClientHandshake(ctx context.Context, conn net.Conn, config HandshakeConfig) (*HandshakeResult, error) {
	h, err := NewHandshake(protocol.RoleClient, config)
	if err != nil {
		return nil, err
	}
	return runHandshake(ctx, conn, h, func() error {
		hello, err := h.CreateHello()
		if err != nil {
			return err
		}
		if err := protocol.WriteHandshakeRecord(conn, hello); err != nil {
			return err
		}
		peer, err := protocol.ReadHandshakeRecord(conn)
		if err != nil {
			return err
		}
		return h.ProcessPeerHello(peer)
	})
}

// ServerHandshake performs the complete handshake as server: it verifies the
// client's Hello before generating and sending its own.
func ServerHandshake(ctx context.Context, conn net.Conn, config HandshakeConfig) (*HandshakeResult, error) {
	h, err := NewHandshake(protocol.RoleServer, config)
	if err != nil {
		return nil, err
	}
	return runHandshake(ctx, conn, h, func() error {
		peer, err := protocol.ReadHandshakeRecord(conn)
		if err != nil {
			return err
		}
		if err := h.ProcessPeerHello(peer); err != nil {
			return err
		}
		hello, err := h.CreateHello()
		if err != nil {
			return err
		}
		return protocol.WriteHandshakeRecord(conn, hello)
	})
}

func runHandshake(ctx context.Context, conn net.Conn, h *Handshake, exchange func() error) (result *HandshakeResult, err error) {
	observer := observerOrNop(h.config.Observer)
	_, done := observer.OnHandshakeStart(ctx)

	release := bindDeadline(ctx, conn)
	defer func() {
		release()
		if err != nil {
			h.Abort()
			if ctxErr := contextError(ctx); ctxErr != nil && qerrors.KindOf(err) == qerrors.KindTransport {
				err = fmt.Errorf("handshake interrupted: %w", ctxErr)
			}
			reportError(observer, err)
			observer.OnSessionFailed(err)
		}
		done(err)
	}()

	if err := exchange(); err != nil {
		return nil, err
	}
	keys, err := h.DeriveKeys()
	if err != nil {
		return nil, err
	}
	return &HandshakeResult{Keys: keys, PeerIdentity: h.PeerIdentity()}, nil
}

// contextError is ctx.Err(), also reporting an expired deadline whose timer
// has not fired yet. The connection deadline and the context timer race.
func contextError(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return nil
}

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// bindDeadline applies ctx's deadline to conn and forces pending I/O to fail
// when ctx is cancelled. The returned func detaches ctx and clears the
// deadline.
func bindDeadline(ctx context.Context, conn net.Conn) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	return func() {
		if stop() {
			_ = conn.SetDeadline(time.Time{})
		}
	}
}

// WithHandshakeTimeout bounds ctx by d, or by DefaultHandshakeTimeout when
// d is not positive.
func WithHandshakeTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = constants.DefaultHandshakeTimeout
	}
	return context.WithTimeout(ctx, d)
}
