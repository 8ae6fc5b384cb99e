// aead.go implements the ChaCha20-Poly1305 AEAD (RFC 8439) used for
// channel frames.
//
//   - ChaCha20: Stream cipher with 256-bit key, 96-bit nonce
//   - Poly1305: One-time authenticator for MAC
//   - Security: IND-CCA2 secure, 128-bit authentication tag
//
// CRITICAL: Nonce reuse completely breaks security. Each (key, nonce) pair
// MUST be used at most once. An AEAD is therefore bound to exactly one
// NonceSequence and draws a fresh nonce for every Seal and Open. Nonces are
// implicit: both peers advance their counters in lockstep over an ordered
// transport, so nothing but ciphertext and tag is transmitted.
package crypto

import (
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// AEAD represents one direction of authenticated encryption.
type AEAD struct {
	cipher cipher.AEAD
	seq    *NonceSequence
}

// NewAEAD creates a ChaCha20-Poly1305 cipher bound to a nonce sequence.
//
// Parameters:
//   - key: 32-byte direction key
//   - nonceBase: 4-byte direction nonce base
//
// Returns:
//   - AEAD: The initialized cipher
//   - error: Non-nil if the key or base has the wrong size
func NewAEAD(key, nonceBase []byte) (*AEAD, error) {
	if len(key) != constants.ChaCha20KeySize {
		return nil, qerrors.NewCryptoError("NewAEAD", qerrors.ErrInvalidKeySize)
	}
	c, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, qerrors.NewCryptoError("NewAEAD", err)
	}
	seq, err := NewNonceSequence(nonceBase)
	if err != nil {
		return nil, err
	}
	return &AEAD{cipher: c, seq: seq}, nil
}

// Seal encrypts and authenticates plaintext under the next nonce and returns
// ciphertext || tag. additionalData is authenticated but not encrypted.
//
// Returns ErrNonceExhausted once the sequence is spent.
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce, err := a.seq.Next()
	if err != nil {
		return nil, err
	}
	return a.cipher.Seal(nil, nonce[:], plaintext, additionalData), nil
}

// Open verifies and decrypts ciphertext || tag under the next nonce.
//
// On a tag mismatch it returns ErrAuthenticationFailed and no plaintext.
// The nonce is consumed either way; after a failure the direction is out of
// step with the peer and the caller must tear the connection down.
func (a *AEAD) Open(ciphertext, additionalData []byte) ([]byte, error) {
	nonce, err := a.seq.Next()
	if err != nil {
		return nil, err
	}
	return a.OpenWithNonce(nonce[:], ciphertext, additionalData)
}

// SealWithNonce encrypts using an explicit nonce.
//
// WARNING: The caller is responsible for ensuring nonce uniqueness.
// Prefer Seal() with automatic nonce generation when possible.
func (a *AEAD) SealWithNonce(nonce, plaintext, additionalData []byte) ([]byte, error) {
	if len(nonce) != constants.ChaCha20NonceSize {
		return nil, qerrors.ErrInvalidNonce
	}
	return a.cipher.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenWithNonce decrypts using an explicit nonce.
func (a *AEAD) OpenWithNonce(nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(nonce) != constants.ChaCha20NonceSize {
		return nil, qerrors.ErrInvalidNonce
	}
	if len(ciphertext) < constants.ChaCha20TagSize {
		return nil, qerrors.ErrAuthenticationFailed
	}
	plaintext, err := a.cipher.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Counter returns the nonce counter value the next operation will use.
func (a *AEAD) Counter() uint64 {
	return a.seq.Counter()
}

// SetCounter advances the nonce counter. It cannot move backwards.
func (a *AEAD) SetCounter(counter uint64) error {
	return a.seq.SetCounter(counter)
}

// Overhead returns the number of bytes added by encryption (the tag).
func (a *AEAD) Overhead() int {
	return a.cipher.Overhead()
}

// Zeroize erases the nonce base. The cipher's internal key copy is
// released with the AEAD itself.
func (a *AEAD) Zeroize() {
	if a == nil {
		return
	}
	a.seq.Zeroize()
}
