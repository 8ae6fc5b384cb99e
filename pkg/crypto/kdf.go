// kdf.go implements session key derivation with HKDF-SHA256 (RFC 5869)
// and the handshake transcript hash.
//
// Key schedule:
//
//	transcript = SHA-256(clientHello || serverHello)
//	okm        = HKDF-SHA256(ikm = x25519 shared secret,
//	                         salt = transcript,
//	                         info = "sealtunnel v1 session keys",
//	                         L = 72)
//	KeyC2S | KeyS2C | NonceBaseC2S | NonceBaseS2C = okm[0:32] | okm[32:64] | okm[64:68] | okm[68:72]
package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// maxHKDFOutput is the RFC 5869 limit for SHA-256: 255 * HashLen.
const maxHKDFOutput = 255 * sha256.Size

// DeriveKey runs HKDF-SHA256 extract-and-expand and returns outputLen bytes.
//
// Parameters:
//   - secret: input keying material
//   - salt: extraction salt (the transcript hash for session keys)
//   - info: context label
//   - outputLen: desired output length in bytes
func DeriveKey(secret, salt []byte, info string, outputLen int) ([]byte, error) {
	if outputLen <= 0 || outputLen > maxHKDFOutput {
		return nil, qerrors.NewCryptoError("DeriveKey", qerrors.ErrInvalidKeySize)
	}

	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, outputLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, qerrors.NewCryptoError("DeriveKey", err)
	}
	return out, nil
}

// TranscriptHash computes SHA-256 over the client Hello bytes followed by
// the server Hello bytes, exactly as they were transmitted.
func TranscriptHash(clientHello, serverHello []byte) [constants.TranscriptHashSize]byte {
	h := sha256.New()
	h.Write(clientHello)
	h.Write(serverHello)

	var out [constants.TranscriptHashSize]byte
	h.Sum(out[:0])
	return out
}

// SessionKeyMaterial derives the 72 bytes of directional key material from
// the X25519 shared secret and the transcript hash.
func SessionKeyMaterial(sharedSecret []byte, transcript [constants.TranscriptHashSize]byte) ([]byte, error) {
	if len(sharedSecret) != constants.X25519SharedSecretSize {
		return nil, qerrors.NewCryptoError("SessionKeyMaterial", qerrors.ErrInvalidKeySize)
	}
	return DeriveKey(sharedSecret, transcript[:], constants.SessionKeysLabel, constants.SessionKeyMaterialSize)
}
