package tunnel

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sync"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/crypto"
)

// Authorizer decides whether a peer that proved possession of an identity
// key may proceed. It runs after the Hello signature has been verified.
type Authorizer interface {
	Authorize(identity ed25519.PublicKey) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(identity ed25519.PublicKey) error

// Authorize calls f(identity).
func (f AuthorizerFunc) Authorize(identity ed25519.PublicKey) error {
	return f(identity)
}

// AllowAll accepts any correctly signed peer.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(ed25519.PublicKey) error { return nil })
}

// PinnedKey accepts exactly one identity. Clients use it to pin the server.
func PinnedKey(key ed25519.PublicKey) Authorizer {
	pinned := append(ed25519.PublicKey(nil), key...)
	return AuthorizerFunc(func(identity ed25519.PublicKey) error {
		if !crypto.ConstantTimeCompare(pinned, identity) {
			return unauthorized(identity)
		}
		return nil
	})
}

// AllowList accepts any identity in a set. It is safe for concurrent use.
type AllowList struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewAllowList creates an allow-list holding keys.
func NewAllowList(keys ...ed25519.PublicKey) *AllowList {
	a := &AllowList{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		a.Add(k)
	}
	return a
}

// Add allows key.
func (a *AllowList) Add(key ed25519.PublicKey) {
	a.mu.Lock()
	a.keys[string(key)] = struct{}{}
	a.mu.Unlock()
}

// Remove revokes key. Established sessions are not affected.
func (a *AllowList) Remove(key ed25519.PublicKey) {
	a.mu.Lock()
	delete(a.keys, string(key))
	a.mu.Unlock()
}

// Len returns the number of allowed keys.
func (a *AllowList) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Authorize implements Authorizer.
func (a *AllowList) Authorize(identity ed25519.PublicKey) error {
	a.mu.RLock()
	_, ok := a.keys[string(identity)]
	a.mu.RUnlock()
	if !ok {
		return unauthorized(identity)
	}
	return nil
}

func unauthorized(identity ed25519.PublicKey) error {
	return fmt.Errorf("%w: %s", qerrors.ErrUnauthorizedPeer, hex.EncodeToString(identity))
}
