// messages.go defines the handshake and channel message types.
//
// Message flow:
//
//	Client                                 Server
//	    |                                      |
//	    | -------- Hello (role=client) -------> |
//	    |                                      |
//	    | <------- Hello (role=server) -------- |
//	    |                                      |
//	    |    === Channel Established ===       |
//	    |                                      |
//	    | -------- Heartbeat -----------------> |
//	    | <------- HeartbeatAck --------------- |
//	    | <======= Data (either way) =========> |
//	    | -------- Close ---------------------> |
//
// Hellos travel in handshake records (2-byte big-endian length prefix).
// Channel frames carry a 5-byte header that is authenticated as AEAD
// associated data.
package protocol

import (
	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// Role identifies which side of the handshake produced a Hello.
type Role uint8

// Handshake roles. Zero is never valid on the wire.
const (
	// RoleClient is the connecting side; it sends the first Hello.
	RoleClient Role = 0x01
	// RoleServer is the accepting side.
	RoleServer Role = 0x02
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return "unknown"
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleServer
}

// Opposite returns the peer role.
func (r Role) Opposite() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

// FrameType identifies a channel frame.
type FrameType uint8

// Channel frame types.
const (
	// FrameHeartbeat is a liveness probe sent by the client.
	FrameHeartbeat FrameType = 0x01
	// FrameHeartbeatAck answers a heartbeat.
	FrameHeartbeatAck FrameType = 0x02
	// FrameData carries an opaque application payload.
	FrameData FrameType = 0x10
	// FrameClose signals graceful termination.
	FrameClose FrameType = 0x20
)

// String returns a human-readable name for the frame type.
func (ft FrameType) String() string {
	switch ft {
	case FrameHeartbeat:
		return "Heartbeat"
	case FrameHeartbeatAck:
		return "HeartbeatAck"
	case FrameData:
		return "Data"
	case FrameClose:
		return "Close"
	default:
		return "Unknown"
	}
}

// Valid reports whether ft is a known frame type.
func (ft FrameType) Valid() bool {
	switch ft {
	case FrameHeartbeat, FrameHeartbeatAck, FrameData, FrameClose:
		return true
	}
	return false
}

// HelloMessage is the single handshake message each side sends.
type HelloMessage struct {
	// Protocol version of the sender
	Version Version

	// Role of the sender
	Role Role

	// Long-term Ed25519 public key of the sender
	IdentityKey [constants.IdentityPublicKeySize]byte

	// Ephemeral X25519 public key for this handshake
	EphemeralKey [constants.X25519PublicKeySize]byte

	// Fresh random nonce binding the Hello to this attempt
	Nonce [constants.HelloNonceSize]byte

	// Ed25519 signature over SignedPayload()
	Signature [constants.SignatureSize]byte
}

// Validate checks the fields that have no fixed size guarantee.
func (m *HelloMessage) Validate() error {
	if !m.Role.Valid() {
		return qerrors.ErrInvalidRole
	}
	return nil
}
