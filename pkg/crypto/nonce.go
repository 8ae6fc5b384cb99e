package crypto

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// NonceSequence produces the AEAD nonces of one direction of a channel:
//
//	nonce = base[4] || little-endian counter[8]
//
// The counter starts at zero and increases by one per nonce. It never
// wraps: once it reaches math.MaxUint64 every call to Next fails with
// ErrNonceExhausted and the session must be renegotiated.
type NonceSequence struct {
	mu      sync.Mutex
	base    [constants.NonceBaseSize]byte
	counter uint64
}

// NewNonceSequence creates a sequence over a 4-byte direction base.
func NewNonceSequence(base []byte) (*NonceSequence, error) {
	if len(base) != constants.NonceBaseSize {
		return nil, qerrors.NewCryptoError("NewNonceSequence", qerrors.ErrInvalidNonce)
	}
	s := &NonceSequence{}
	copy(s.base[:], base)
	return s, nil
}

// Next returns the next nonce and advances the counter.
func (s *NonceSequence) Next() ([constants.ChaCha20NonceSize]byte, error) {
	var nonce [constants.ChaCha20NonceSize]byte

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counter == math.MaxUint64 {
		return nonce, qerrors.ErrNonceExhausted
	}
	copy(nonce[:constants.NonceBaseSize], s.base[:])
	binary.LittleEndian.PutUint64(nonce[constants.NonceBaseSize:], s.counter)
	s.counter++
	return nonce, nil
}

// Counter returns the counter value the next nonce will use.
func (s *NonceSequence) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// SetCounter positions the sequence. It refuses to move backwards, since a
// lower counter would replay nonces already used under the same key.
func (s *NonceSequence) SetCounter(counter uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counter < s.counter {
		return qerrors.NewCryptoError("NonceSequence.SetCounter", qerrors.ErrInvalidState)
	}
	s.counter = counter
	return nil
}

// Zeroize erases the base and exhausts the sequence.
func (s *NonceSequence) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Zeroize(s.base[:])
	s.counter = math.MaxUint64
}
