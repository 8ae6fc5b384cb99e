package tunnel

import (
	"github.com/pzverkov/sealtunnel/internal/constants"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
)

// SessionKeys is the directional key material produced by a handshake.
// It is handed to exactly one SecureChannel, which wipes it once the
// ciphers are built.
type SessionKeys struct {
	KeyC2S       [constants.ChaCha20KeySize]byte
	KeyS2C       [constants.ChaCha20KeySize]byte
	NonceBaseC2S [constants.NonceBaseSize]byte
	NonceBaseS2C [constants.NonceBaseSize]byte
}

// DeriveSessionKeys expands the X25519 shared secret, salted with the
// transcript hash, into the four directional values.
func DeriveSessionKeys(sharedSecret []byte, transcript [constants.TranscriptHashSize]byte) (*SessionKeys, error) {
	okm, err := crypto.SessionKeyMaterial(sharedSecret, transcript)
	if err != nil {
		return nil, err
	}
	defer crypto.Zeroize(okm)

	k := &SessionKeys{}
	off := 0
	off += copy(k.KeyC2S[:], okm[off:])
	off += copy(k.KeyS2C[:], okm[off:])
	off += copy(k.NonceBaseC2S[:], okm[off:])
	copy(k.NonceBaseS2C[:], okm[off:])
	return k, nil
}

// directional returns the send and receive halves for role.
func (k *SessionKeys) directional(role protocol.Role) (sendKey, sendBase, recvKey, recvBase []byte) {
	if role == protocol.RoleClient {
		return k.KeyC2S[:], k.NonceBaseC2S[:], k.KeyS2C[:], k.NonceBaseS2C[:]
	}
	return k.KeyS2C[:], k.NonceBaseS2C[:], k.KeyC2S[:], k.NonceBaseC2S[:]
}

// Zeroize wipes all key material.
func (k *SessionKeys) Zeroize() {
	if k == nil {
		return
	}
	crypto.ZeroizeMultiple(k.KeyC2S[:], k.KeyS2C[:], k.NonceBaseC2S[:], k.NonceBaseS2C[:])
}
