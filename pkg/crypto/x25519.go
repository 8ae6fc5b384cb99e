// x25519.go implements X25519 Elliptic Curve Diffie-Hellman operations.
//
// X25519 (RFC 7748) is an elliptic curve Diffie-Hellman function using Curve25519.
// Each handshake generates a fresh key pair, which is what gives sessions
// forward secrecy: compromise of a long-term identity key does not reveal
// keys of past sessions.
//
// The ladder comes from circl's dh/x25519, which clamps the secret scalar and
// reports low-order peer points so they can be rejected before use.
package crypto

import (
	"io"

	"github.com/cloudflare/circl/dh/x25519"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// X25519KeyPair represents an ephemeral X25519 key pair.
type X25519KeyPair struct {
	public x25519.Key
	secret x25519.Key
}

// GenerateX25519KeyPair generates a new X25519 key pair, reading exactly
// 32 bytes of secret scalar from rand. A nil rand means the system CSPRNG.
func GenerateX25519KeyPair(rand io.Reader) (*X25519KeyPair, error) {
	kp := &X25519KeyPair{}
	if err := ReadRandom(rand, kp.secret[:]); err != nil {
		return nil, qerrors.NewCryptoError("X25519KeyPair.Generate", err)
	}
	x25519.KeyGen(&kp.public, &kp.secret)
	return kp, nil
}

// NewX25519KeyPairFromBytes creates an X25519 key pair from a 32-byte private key.
// This is deterministic: the same private key bytes always produce the same key pair.
func NewX25519KeyPairFromBytes(privateKeyBytes []byte) (*X25519KeyPair, error) {
	if len(privateKeyBytes) != constants.X25519PrivateKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}
	kp := &X25519KeyPair{}
	copy(kp.secret[:], privateKeyBytes)
	x25519.KeyGen(&kp.public, &kp.secret)
	return kp, nil
}

// SharedSecret computes the X25519 shared secret with the peer's public key.
//
// Security Note: The result should never be used directly as a key.
// Always derive keys using HKDF.
//
// Returns ErrInvalidPublicKey if the peer key has the wrong size or is a
// low-order point (which would force an all-zero secret).
func (kp *X25519KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if kp == nil {
		return nil, qerrors.ErrInvalidState
	}
	if len(peerPublic) != constants.X25519PublicKeySize {
		return nil, qerrors.NewCryptoError("X25519", qerrors.ErrInvalidPublicKey)
	}

	var peer, shared x25519.Key
	copy(peer[:], peerPublic)
	if !x25519.Shared(&shared, &kp.secret, &peer) {
		Zeroize(shared[:])
		return nil, qerrors.NewCryptoError("X25519", qerrors.ErrInvalidPublicKey)
	}

	out := make([]byte, constants.X25519SharedSecretSize)
	copy(out, shared[:])
	Zeroize(shared[:])
	return out, nil
}

// PublicKeyBytes returns a copy of the encoded public key.
func (kp *X25519KeyPair) PublicKeyBytes() []byte {
	out := make([]byte, constants.X25519PublicKeySize)
	copy(out, kp.public[:])
	return out
}

// Zeroize securely erases the private key material.
func (kp *X25519KeyPair) Zeroize() {
	if kp == nil {
		return
	}
	Zeroize(kp.secret[:])
}
