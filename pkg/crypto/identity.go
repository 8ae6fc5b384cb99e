// identity.go implements long-term Ed25519 identity keys (RFC 8032).
//
// An identity key signs the Hello of every handshake. The public half is what
// peers pin or allow-list; this package only proves who signed, never whether
// that signer is authorized.
//
// On disk, private keys are PKCS#8 PEM ("PRIVATE KEY") and public keys are
// PKIX PEM ("PUBLIC KEY"), the formats understood by openssl and ssh-keygen.
// Configuration files carry public keys as 64 hex characters.
package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

const (
	pemPrivateKeyType = "PRIVATE KEY"
	pemPublicKeyType  = "PUBLIC KEY"
)

// IdentityKey is a long-term Ed25519 signing key.
type IdentityKey struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// GenerateIdentity creates a new identity key. A nil rand means the system CSPRNG.
func GenerateIdentity(rand io.Reader) (*IdentityKey, error) {
	seed := make([]byte, constants.IdentitySeedSize)
	defer Zeroize(seed)
	if err := ReadRandom(rand, seed); err != nil {
		return nil, qerrors.NewCryptoError("GenerateIdentity", err)
	}
	k, err := NewIdentityFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if err := PairwiseConsistencyCheck(k); err != nil {
		return nil, qerrors.NewCryptoError("GenerateIdentity", err)
	}
	return k, nil
}

// NewIdentityFromSeed derives an identity key from a 32-byte RFC 8032 seed.
func NewIdentityFromSeed(seed []byte) (*IdentityKey, error) {
	if len(seed) != constants.IdentitySeedSize {
		return nil, qerrors.NewCryptoError("NewIdentityFromSeed", qerrors.ErrInvalidKeySize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &IdentityKey{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKey returns the 32-byte public key.
func (k *IdentityKey) PublicKey() ed25519.PublicKey {
	return k.public
}

// Fingerprint returns the hex encoding of the public key.
func (k *IdentityKey) Fingerprint() string {
	return hex.EncodeToString(k.public)
}

// Sign signs message with the identity key.
func (k *IdentityKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.private, message)
}

// Zeroize erases the private key.
func (k *IdentityKey) Zeroize() {
	if k == nil {
		return
	}
	Zeroize(k.private)
}

// Verify reports whether sig is a valid signature of message by publicKey.
// Keys and signatures of the wrong size never verify.
func Verify(publicKey, message, sig []byte) bool {
	if len(publicKey) != constants.IdentityPublicKeySize || len(sig) != constants.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), message, sig)
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, qerrors.NewCryptoError("ParsePublicKey", err)
	}
	if len(b) != constants.IdentityPublicKeySize {
		return nil, qerrors.NewCryptoError("ParsePublicKey", qerrors.ErrInvalidKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// MarshalIdentity encodes the private key as PKCS#8 PEM.
func MarshalIdentity(k *IdentityKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return nil, qerrors.NewCryptoError("MarshalIdentity", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateKeyType, Bytes: der}), nil
}

// UnmarshalIdentity decodes a PKCS#8 PEM Ed25519 private key.
func UnmarshalIdentity(data []byte) (*IdentityKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPrivateKeyType {
		return nil, qerrors.NewCryptoError("UnmarshalIdentity", fmt.Errorf("no %q PEM block", pemPrivateKeyType))
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, qerrors.NewCryptoError("UnmarshalIdentity", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, qerrors.NewCryptoError("UnmarshalIdentity", fmt.Errorf("key type %T is not Ed25519", key))
	}
	k, err := NewIdentityFromSeed(priv.Seed())
	if err != nil {
		return nil, err
	}
	if err := PairwiseConsistencyCheck(k); err != nil {
		return nil, qerrors.NewCryptoError("UnmarshalIdentity", err)
	}
	return k, nil
}

// MarshalPublicKey encodes an Ed25519 public key as PKIX PEM.
func MarshalPublicKey(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, qerrors.NewCryptoError("MarshalPublicKey", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicKeyType, Bytes: der}), nil
}

// LoadIdentity reads a PEM identity key file.
func LoadIdentity(path string) (*IdentityKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity %s: %w", path, err)
	}
	defer Zeroize(data)
	return UnmarshalIdentity(data)
}

// SaveIdentity writes the private key to path with 0600 permissions and the
// public key next to it as path + ".pub".
func SaveIdentity(path string, k *IdentityKey) error {
	priv, err := MarshalIdentity(k)
	if err != nil {
		return err
	}
	defer Zeroize(priv)
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return fmt.Errorf("write identity %s: %w", path, err)
	}

	pub, err := MarshalPublicKey(k.public)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".pub", pub, 0o644); err != nil {
		return fmt.Errorf("write public key %s.pub: %w", path, err)
	}
	return nil
}
