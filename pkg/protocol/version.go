// Package protocol defines the wire protocol of the sealtunnel control channel.
//
// Protocol Version: 1
//
// The protocol provides:
//   - Mutual authentication with Ed25519-signed Hellos
//   - Forward secrecy through ephemeral X25519 keys
//   - Ordered, authenticated-encrypted frames with implicit counter nonces
package protocol

import (
	"strconv"

	"github.com/pzverkov/sealtunnel/internal/constants"
)

// Version is the 16-bit protocol version carried in every Hello.
type Version uint16

// Current is the version this implementation sends.
const Current = Version(constants.ProtocolVersion)

// Minimum is the oldest version this implementation accepts.
const Minimum = Version(constants.MinProtocolVersion)

// IsCompatible reports whether a peer speaking v can be accepted.
func (v Version) IsCompatible() bool {
	return v >= Minimum && v <= Current
}

// String returns a string representation of the version.
func (v Version) String() string {
	return "v" + strconv.Itoa(int(v))
}

// ProtocolID is the protocol identifier used in logs and metrics labels.
const ProtocolID = constants.ProtocolName
