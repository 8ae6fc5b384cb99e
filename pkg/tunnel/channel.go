package tunnel

import (
	"sync"
	"sync/atomic"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
)

// SecureChannel seals outbound and opens inbound frames with the directional
// session keys. Nonces are implicit, so frames must be opened in exactly the
// order they were sealed.
//
// Any Open failure breaks the channel: the receive counter is out of step
// with the peer and every later Seal or Open returns ErrChannelBroken.
type SecureChannel struct {
	role protocol.Role

	sendMu sync.Mutex
	send   *crypto.AEAD

	recvMu sync.Mutex
	recv   *crypto.AEAD

	broken atomic.Bool
}

// NewSecureChannel builds the send and receive ciphers for role from keys
// and wipes keys.
func NewSecureChannel(role protocol.Role, keys *SessionKeys) (*SecureChannel, error) {
	if !role.Valid() {
		return nil, qerrors.ErrInvalidRole
	}
	if keys == nil {
		return nil, qerrors.ErrInvalidState
	}
	defer keys.Zeroize()

	sendKey, sendBase, recvKey, recvBase := keys.directional(role)
	send, err := crypto.NewAEAD(sendKey, sendBase)
	if err != nil {
		return nil, err
	}
	recv, err := crypto.NewAEAD(recvKey, recvBase)
	if err != nil {
		send.Zeroize()
		return nil, err
	}
	return &SecureChannel{role: role, send: send, recv: recv}, nil
}

// Seal encrypts plaintext under the next send nonce and authenticates ad.
func (c *SecureChannel) Seal(plaintext, ad []byte) ([]byte, error) {
	if c.broken.Load() {
		return nil, qerrors.ErrChannelBroken
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.send.Seal(plaintext, ad)
}

// Open authenticates and decrypts ciphertext under the next receive nonce.
// No plaintext is returned on failure.
func (c *SecureChannel) Open(ciphertext, ad []byte) ([]byte, error) {
	if c.broken.Load() {
		return nil, qerrors.ErrChannelBroken
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	plaintext, err := c.recv.Open(ciphertext, ad)
	if err != nil {
		c.broken.Store(true)
		return nil, qerrors.NewProtocolError("channel", err)
	}
	return plaintext, nil
}

// Broken reports whether an earlier failure poisoned the channel.
func (c *SecureChannel) Broken() bool {
	return c.broken.Load()
}

// Role returns the local role.
func (c *SecureChannel) Role() protocol.Role {
	return c.role
}

// SendCounter returns the nonce counter the next Seal will use.
func (c *SecureChannel) SendCounter() uint64 {
	return c.send.Counter()
}

// RecvCounter returns the nonce counter the next Open will use.
func (c *SecureChannel) RecvCounter() uint64 {
	return c.recv.Counter()
}

// Close breaks the channel and wipes its nonce state.
func (c *SecureChannel) Close() {
	c.broken.Store(true)
	c.sendMu.Lock()
	c.send.Zeroize()
	c.sendMu.Unlock()
	c.recvMu.Lock()
	c.recv.Zeroize()
	c.recvMu.Unlock()
}
