// codec.go implements serialization of Hellos, handshake records and
// channel frame headers.
//
// Hello Format (big-endian):
//
//	+---------+------+--------+-------------+--------+-------------+--------+-------+--------+-----------+
//	| Version | Role | IdLen  | IdentityKey | EphLen | EphemeralKey| NLen   | Nonce | SigLen | Signature |
//	| 2B      | 1B   | 2B =32 | 32B         | 2B =32 | 32B         | 2B =16 | 16B   | 2B =64 | 64B       |
//	+---------+------+--------+-------------+--------+-------------+--------+-------+--------+-----------+
//
// The signed payload is the same encoding with the final length-prefixed
// signature omitted. Every declared length must equal the fixed field size.
//
// Handshake Record:
//
//	+--------+----------+
//	| Length | Body     |
//	| 2B BE  | Variable |
//	+--------+----------+
//
// Frame Header (authenticated as associated data):
//
//	+------+-------------------+
//	| Type | Ciphertext Length |
//	| 1B   | 4B BE             |
//	+------+-------------------+
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// --- Hello ---

func appendField(buf, field []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(field)))
	return append(buf, field...)
}

// SignedPayload returns the wire encoding without the signature field.
func (m *HelloMessage) SignedPayload() []byte {
	buf := make([]byte, 0, constants.HelloSize)
	buf = binary.BigEndian.AppendUint16(buf, uint16(m.Version))
	buf = append(buf, byte(m.Role))
	buf = appendField(buf, m.IdentityKey[:])
	buf = appendField(buf, m.EphemeralKey[:])
	buf = appendField(buf, m.Nonce[:])
	return buf
}

// ToBytes returns the complete wire encoding.
func (m *HelloMessage) ToBytes() []byte {
	return appendField(m.SignedPayload(), m.Signature[:])
}

// helloReader walks a Hello encoding and records the first failure.
type helloReader struct {
	data []byte
	off  int
	err  error
}

func (r *helloReader) uint16() uint16 {
	if r.err != nil {
		return 0
	}
	if len(r.data)-r.off < 2 {
		r.err = qerrors.ErrTruncated
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v
}

func (r *helloReader) byte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.data)-r.off < 1 {
		r.err = qerrors.ErrTruncated
		return 0
	}
	v := r.data[r.off]
	r.off++
	return v
}

// field reads a length-prefixed field that must be exactly len(dst) bytes.
func (r *helloReader) field(name string, dst []byte) {
	n := int(r.uint16())
	if r.err != nil {
		return
	}
	if n != len(dst) {
		r.err = fmt.Errorf("%s: declared %d, want %d: %w", name, n, len(dst), qerrors.ErrFieldLength)
		return
	}
	if len(r.data)-r.off < n {
		r.err = qerrors.ErrTruncated
		return
	}
	copy(dst, r.data[r.off:r.off+n])
	r.off += n
}

// HelloFromBytes decodes a Hello. It fails with a format error on a wrong
// declared field length, an unknown role, truncation or trailing bytes.
func HelloFromBytes(data []byte) (*HelloMessage, error) {
	m := &HelloMessage{}
	r := &helloReader{data: data}

	m.Version = Version(r.uint16())
	m.Role = Role(r.byte())
	r.field("identity key", m.IdentityKey[:])
	r.field("ephemeral key", m.EphemeralKey[:])
	r.field("nonce", m.Nonce[:])
	r.field("signature", m.Signature[:])

	if r.err != nil {
		return nil, qerrors.NewProtocolError("hello", r.err)
	}
	if r.off != len(data) {
		return nil, qerrors.NewProtocolError("hello", qerrors.ErrTrailingBytes)
	}
	if err := m.Validate(); err != nil {
		return nil, qerrors.NewProtocolError("hello", err)
	}
	return m, nil
}

// --- Handshake records ---

// WriteHandshakeRecord writes body with a 2-byte length prefix in one write.
func WriteHandshakeRecord(w io.Writer, body []byte) error {
	if len(body) == 0 || len(body) > constants.MaxHandshakeRecord {
		return qerrors.ErrMessageTooLarge
	}
	buf := make([]byte, 0, 2+len(body))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(body)))
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshakeRecord reads one length-prefixed handshake record. The length
// is checked before any allocation.
func ReadHandshakeRecord(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 {
		return nil, qerrors.NewProtocolError("record", qerrors.ErrInvalidMessage)
	}
	if n > constants.MaxHandshakeRecord {
		return nil, qerrors.NewProtocolError("record", qerrors.ErrMessageTooLarge)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// --- Frame header ---

// FrameHeader precedes every sealed channel frame.
type FrameHeader struct {
	Type   FrameType
	Length uint32 // ciphertext length including the tag
}

// Marshal returns the 5-byte header encoding.
func (h FrameHeader) Marshal() [constants.FrameHeaderSize]byte {
	var b [constants.FrameHeaderSize]byte
	b[0] = byte(h.Type)
	binary.BigEndian.PutUint32(b[1:], h.Length)
	return b
}

// ParseFrameHeader decodes and bounds-checks a frame header.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) != constants.FrameHeaderSize {
		return FrameHeader{}, qerrors.NewProtocolError("frame", qerrors.ErrTruncated)
	}
	h := FrameHeader{
		Type:   FrameType(b[0]),
		Length: binary.BigEndian.Uint32(b[1:]),
	}
	if !h.Type.Valid() {
		return FrameHeader{}, qerrors.NewProtocolError("frame", qerrors.ErrUnknownFrameType)
	}
	if h.Length < constants.ChaCha20TagSize {
		return FrameHeader{}, qerrors.NewProtocolError("frame", qerrors.ErrInvalidMessage)
	}
	if h.Length > constants.MaxFrameCiphertext {
		return FrameHeader{}, qerrors.NewProtocolError("frame", qerrors.ErrMessageTooLarge)
	}
	return h, nil
}
