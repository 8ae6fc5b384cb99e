// Package constants defines protocol parameters and timing defaults for the
// sealtunnel control channel.
//
// Cryptographic suite: Ed25519 identities, X25519 ephemeral key agreement,
// HKDF-SHA256 session key derivation and ChaCha20-Poly1305 framing.
package constants

import "time"

// Protocol version and identification
const (
	// ProtocolVersion is the Hello version this implementation sends.
	ProtocolVersion uint16 = 0x0001

	// MinProtocolVersion is the oldest peer version still accepted.
	MinProtocolVersion uint16 = 0x0001

	// ProtocolName identifies the protocol in logs and metrics.
	ProtocolName = "sealtunnel-v1"

	// SessionKeysLabel is the HKDF info string for session key derivation.
	SessionKeysLabel = "sealtunnel v1 session keys"
)

// Identity parameters (Ed25519, RFC 8032)
const (
	// IdentityPublicKeySize is the size of an Ed25519 public key in bytes
	IdentityPublicKeySize = 32

	// IdentitySeedSize is the size of an Ed25519 private key seed in bytes
	IdentitySeedSize = 32

	// SignatureSize is the size of an Ed25519 signature in bytes
	SignatureSize = 64
)

// X25519 Parameters (RFC 7748)
const (
	// X25519PublicKeySize is the size of X25519 public key in bytes
	X25519PublicKeySize = 32

	// X25519PrivateKeySize is the size of X25519 private key in bytes
	X25519PrivateKeySize = 32

	// X25519SharedSecretSize is the size of the X25519 shared secret in bytes
	X25519SharedSecretSize = 32
)

// Hello parameters
const (
	// HelloNonceSize is the size of the per-handshake freshness nonce
	HelloNonceSize = 16

	// HelloSize is the exact wire size of an encoded Hello:
	// version(2) + role(1) + 4 length prefixes(8) + 32 + 32 + 16 + 64.
	HelloSize = 2 + 1 + 8 + IdentityPublicKeySize + X25519PublicKeySize + HelloNonceSize + SignatureSize

	// MaxHandshakeRecord bounds a handshake record body read from the wire.
	MaxHandshakeRecord = 512
)

// Symmetric Encryption Parameters (ChaCha20-Poly1305, RFC 8439)
const (
	// ChaCha20KeySize is the size of ChaCha20-Poly1305 keys in bytes
	ChaCha20KeySize = 32

	// ChaCha20NonceSize is the size of ChaCha20-Poly1305 nonce in bytes
	ChaCha20NonceSize = 12

	// ChaCha20TagSize is the size of the Poly1305 authentication tag in bytes
	ChaCha20TagSize = 16

	// NonceBaseSize is the fixed per-direction prefix of every AEAD nonce
	NonceBaseSize = 4

	// NonceCounterSize is the little-endian counter suffix of every AEAD nonce
	NonceCounterSize = 8
)

// Key Derivation Parameters (HKDF-SHA256)
const (
	// TranscriptHashSize is the size of the handshake transcript hash in bytes
	TranscriptHashSize = 32

	// SessionKeyMaterialSize is the HKDF output length:
	// KeyC2S | KeyS2C | NonceBaseC2S | NonceBaseS2C.
	SessionKeyMaterialSize = 2*ChaCha20KeySize + 2*NonceBaseSize
)

// Frame limits
const (
	// FrameHeaderSize is type(1) + ciphertext length(4)
	FrameHeaderSize = 5

	// MaxFramePayload is the largest plaintext carried by one frame
	MaxFramePayload = 65536

	// MaxFrameCiphertext is the largest ciphertext accepted in one frame
	MaxFrameCiphertext = MaxFramePayload + ChaCha20TagSize
)

// Timing defaults
const (
	// DefaultRetryInterval is the fixed client reconnect backoff
	DefaultRetryInterval = 2 * time.Second

	// DefaultDialTimeout bounds a single TCP connect attempt
	DefaultDialTimeout = 10 * time.Second

	// DefaultHandshakeTimeout bounds the two-message handshake
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultHeartbeatInterval is how often the client sends a heartbeat
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultHeartbeatTimeout is how long the client tolerates silence
	// from the server before declaring the session dead
	DefaultHeartbeatTimeout = 15 * time.Second

	// DefaultServerIdleTimeout closes a server connection with no inbound frames.
	// Zero disables it.
	DefaultServerIdleTimeout = 60 * time.Second
)

// Server admission defaults
const (
	// DefaultMaxActiveClients is the single-tenant admission limit
	DefaultMaxActiveClients = 1

	// DefaultHandshakeRate is the sustained handshake attempts per second
	DefaultHandshakeRate = 10.0

	// DefaultHandshakeBurst is the handshake limiter bucket size
	DefaultHandshakeBurst = 20

	// DefaultListenPort is the server port used when none is configured
	DefaultListenPort = 7443
)
