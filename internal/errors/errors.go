// Package errors defines the error taxonomy for the sealtunnel control channel.
//
// Every sentinel belongs to exactly one Kind. Transport errors are recoverable
// (the client reconnects, the server discards the connection); every other
// kind is fatal to the connection it occurred on. Error strings never reveal
// key material, and the peer is never told which check failed.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and alerting policy.
type Kind int

const (
	// KindTransport covers connect, read and write failures and peer close.
	KindTransport Kind = iota
	// KindFormat covers malformed wire data.
	KindFormat
	// KindAuth covers signature and AEAD tag failures.
	KindAuth
	// KindPolicy covers version, role and authorization rejections.
	KindPolicy
	// KindResource covers nonce exhaustion.
	KindResource
)

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindFormat:
		return "format"
	case KindAuth:
		return "auth"
	case KindPolicy:
		return "policy"
	case KindResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Format errors
var (
	// ErrTruncated indicates the input ended before a declared length was satisfied
	ErrTruncated = errors.New("format: truncated message")

	// ErrFieldLength indicates a declared field length disagrees with the fixed size
	ErrFieldLength = errors.New("format: invalid field length")

	// ErrTrailingBytes indicates bytes remain after the last field
	ErrTrailingBytes = errors.New("format: trailing bytes")

	// ErrInvalidRole indicates an unknown role tag
	ErrInvalidRole = errors.New("format: invalid role")

	// ErrInvalidMessage indicates a malformed record or frame
	ErrInvalidMessage = errors.New("format: invalid message")

	// ErrMessageTooLarge indicates a record or frame exceeds its limit
	ErrMessageTooLarge = errors.New("format: message too large")

	// ErrUnknownFrameType indicates an unrecognised channel frame type
	ErrUnknownFrameType = errors.New("format: unknown frame type")
)

// Authentication errors
var (
	// ErrSignatureInvalid indicates a Hello signature did not verify
	ErrSignatureInvalid = errors.New("auth: signature verification failed")

	// ErrAuthenticationFailed indicates AEAD authentication/decryption failed
	ErrAuthenticationFailed = errors.New("auth: aead authentication failed")

	// ErrInvalidPublicKey indicates a low-order or malformed ephemeral key
	ErrInvalidPublicKey = errors.New("auth: invalid public key")
)

// Policy errors
var (
	// ErrUnsupportedVersion indicates an unsupported protocol version
	ErrUnsupportedVersion = errors.New("policy: unsupported version")

	// ErrUnexpectedRole indicates the peer claimed our own role
	ErrUnexpectedRole = errors.New("policy: unexpected role")

	// ErrUnauthorizedPeer indicates the peer identity is not authorized
	ErrUnauthorizedPeer = errors.New("policy: unauthorized peer identity")

	// ErrAdmissionDenied indicates the server is at its active client limit
	ErrAdmissionDenied = errors.New("policy: admission denied")

	// ErrRateLimited indicates the handshake rate limit was exceeded
	ErrRateLimited = errors.New("policy: handshake rate limit exceeded")
)

// Resource errors
var (
	// ErrNonceExhausted indicates nonce space is exhausted for the current key
	ErrNonceExhausted = errors.New("resource: nonce space exhausted, new handshake required")
)

// Local state and key errors. These never cross the wire.
var (
	// ErrInvalidKeySize indicates that a key has an incorrect size
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrInvalidNonce indicates the nonce size is incorrect
	ErrInvalidNonce = errors.New("crypto: invalid nonce size")

	// ErrInvalidState indicates an operation was called out of order
	ErrInvalidState = errors.New("protocol: invalid state")

	// ErrTunnelClosed indicates the tunnel has been closed
	ErrTunnelClosed = errors.New("tunnel: connection closed")

	// ErrChannelBroken indicates an earlier failure poisoned the channel
	ErrChannelBroken = errors.New("tunnel: channel broken")

	// ErrNotConnected indicates no session is active
	ErrNotConnected = errors.New("tunnel: not connected")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("tunnel: operation timed out")
)

var kinds = map[error]Kind{
	ErrTruncated:        KindFormat,
	ErrFieldLength:      KindFormat,
	ErrTrailingBytes:    KindFormat,
	ErrInvalidRole:      KindFormat,
	ErrInvalidMessage:   KindFormat,
	ErrMessageTooLarge:  KindFormat,
	ErrUnknownFrameType: KindFormat,

	ErrSignatureInvalid:     KindAuth,
	ErrAuthenticationFailed: KindAuth,
	ErrInvalidPublicKey:     KindAuth,

	ErrUnsupportedVersion: KindPolicy,
	ErrUnexpectedRole:     KindPolicy,
	ErrUnauthorizedPeer:   KindPolicy,
	ErrAdmissionDenied:    KindPolicy,
	ErrRateLimited:        KindPolicy,

	ErrNonceExhausted: KindResource,
}

// KindOf classifies err by the first taxonomy sentinel in its chain.
// Errors without a sentinel are transport errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransport
	}
	for sentinel, k := range kinds {
		if errors.Is(err, sentinel) {
			return k
		}
	}
	return KindTransport
}

// IsFatal reports whether err must not be retried on the same connection.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) != KindTransport
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with additional context
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "handshake", "channel")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
