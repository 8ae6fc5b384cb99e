// Package crypto holds the primitives of the sealtunnel control channel:
// Ed25519 identities, X25519 agreement, HKDF-SHA256, the transcript hash,
// the ChaCha20-Poly1305 AEAD with per-direction nonce sequencing, and the
// startup known-answer tests.
//
// Nothing here performs network I/O. Functions that need entropy take an
// io.Reader; nil selects the operating system CSPRNG.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// Reader is the default entropy source.
var Reader io.Reader = rand.Reader

// SecureRandom fills b from Reader. A failure means the CSPRNG is broken and
// the caller must not continue the operation it was drawing entropy for.
func SecureRandom(b []byte) error {
	return ReadRandom(nil, b)
}

// ReadRandom fills b from r, or from Reader when r is nil. Short reads are
// errors.
func ReadRandom(r io.Reader, b []byte) error {
	if r == nil {
		r = Reader
	}
	if _, err := io.ReadFull(r, b); err != nil {
		return qerrors.NewCryptoError("read random", err)
	}
	return nil
}

// MustSecureRandomBytes returns n fresh random bytes and panics if the
// CSPRNG fails. Tests and benchmarks use it for throwaway keys.
func MustSecureRandomBytes(n int) []byte {
	b := make([]byte, n)
	if err := SecureRandom(b); err != nil {
		panic(err)
	}
	return b
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// where they first differ. Slices of different length compare unequal.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize clears b. Copies the runtime made earlier are out of reach.
func Zeroize(b []byte) {
	clear(b)
}

// ZeroizeMultiple clears every slice given.
func ZeroizeMultiple(slices ...[]byte) {
	for _, s := range slices {
		clear(s)
	}
}
