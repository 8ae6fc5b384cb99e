// Package tunnel implements the sealtunnel control channel on top of an
// established TCP connection.
//
// This file (transport.go) provides:
//   - Framed, sealed reads and writes over a SecureChannel
//   - The frame header as AEAD associated data
//   - Read and write timeouts
//   - Graceful close notification
package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
)

// closeNotifyTimeout bounds the best-effort Close frame written by Close.
const closeNotifyTimeout = 100 * time.Millisecond

// Frame is one decrypted channel frame.
type Frame struct {
	Type    protocol.FrameType
	Payload []byte
}

// TransportConfig holds configuration for the transport layer.
type TransportConfig struct {
	// ReadTimeout bounds each ReadFrame. Zero means no timeout.
	ReadTimeout time.Duration

	// WriteTimeout bounds each WriteFrame. Zero means no timeout.
	WriteTimeout time.Duration

	// Observer receives encrypt/decrypt and failure events.
	Observer Observer
}

// TransportStats is a snapshot of transport counters.
type TransportStats struct {
	BytesSent      uint64
	BytesReceived  uint64
	FramesSent     uint64
	FramesReceived uint64
}

// Transport provides sealed frame I/O over a connection.
type Transport struct {
	conn     net.Conn
	channel  *SecureChannel
	observer Observer

	readTimeout  atomic.Int64
	writeTimeout atomic.Int64

	readMu  sync.Mutex
	writeMu sync.Mutex

	closed     atomic.Bool
	peerClosed atomic.Bool
	closeOnce  sync.Once

	bytesSent      atomic.Uint64
	bytesReceived  atomic.Uint64
	framesSent     atomic.Uint64
	framesReceived atomic.Uint64
}

// NewTransport creates a transport over conn using channel.
func NewTransport(conn net.Conn, channel *SecureChannel, config TransportConfig) *Transport {
	t := &Transport{
		conn:     conn,
		channel:  channel,
		observer: observerOrNop(config.Observer),
	}
	t.readTimeout.Store(int64(config.ReadTimeout))
	t.writeTimeout.Store(int64(config.WriteTimeout))
	return t
}

// WriteFrame seals payload into a frame of type ft and writes it. Sealing and
// writing happen under one lock so nonce order matches wire order.
func (t *Transport) WriteFrame(ft protocol.FrameType, payload []byte) error {
	if t.closed.Load() {
		return qerrors.ErrTunnelClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writeFrameLocked(ft, payload, time.Duration(t.writeTimeout.Load()))
}

func (t *Transport) writeFrameLocked(ft protocol.FrameType, payload []byte, timeout time.Duration) (err error) {
	if !ft.Valid() {
		return qerrors.ErrUnknownFrameType
	}
	if len(payload) > constants.MaxFramePayload {
		return qerrors.ErrMessageTooLarge
	}

	_, done := t.observer.OnEncrypt(context.Background(), len(payload))
	defer func() { done(err) }()

	header := protocol.FrameHeader{
		Type:   ft,
		Length: uint32(len(payload) + constants.ChaCha20TagSize),
	}.Marshal()

	ciphertext, err := t.channel.Seal(payload, header[:])
	if err != nil {
		reportError(t.observer, err)
		return err
	}

	buf := protocol.GetGlobal(len(header) + len(ciphertext))
	defer protocol.PutGlobal(buf)
	copy(buf, header[:])
	copy(buf[len(header):], ciphertext)

	if timeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := t.conn.Write(buf); err != nil {
		return err
	}

	t.framesSent.Add(1)
	t.bytesSent.Add(uint64(len(buf)))
	return nil
}

// ReadFrame reads, authenticates and decrypts the next frame.
//
// A Close frame from the peer is returned to the caller and marks the
// transport so that Close does not answer it. EOF is reported as
// ErrTunnelClosed.
func (t *Transport) ReadFrame() (Frame, error) {
	if t.closed.Load() {
		return Frame{}, qerrors.ErrTunnelClosed
	}
	t.readMu.Lock()
	defer t.readMu.Unlock()

	if timeout := time.Duration(t.readTimeout.Load()); timeout > 0 {
		_ = t.conn.SetReadDeadline(time.Now().Add(timeout))
	}

	var header [constants.FrameHeaderSize]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return Frame{}, t.readError(err)
	}
	h, err := protocol.ParseFrameHeader(header[:])
	if err != nil {
		reportError(t.observer, err)
		return Frame{}, err
	}

	buf := protocol.GetGlobal(int(h.Length))
	defer protocol.PutGlobal(buf)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return Frame{}, t.readError(err)
	}

	_, done := t.observer.OnDecrypt(context.Background(), len(buf))
	plaintext, err := t.channel.Open(buf, header[:])
	done(err)
	if err != nil {
		reportError(t.observer, err)
		return Frame{}, err
	}

	t.framesReceived.Add(1)
	t.bytesReceived.Add(uint64(len(header) + len(buf)))

	if h.Type == protocol.FrameClose {
		t.peerClosed.Store(true)
	}
	return Frame{Type: h.Type, Payload: plaintext}, nil
}

func (t *Transport) readError(err error) error {
	if errors.Is(err, io.EOF) {
		return qerrors.ErrTunnelClosed
	}
	if t.closed.Load() && errors.Is(err, net.ErrClosed) {
		return qerrors.ErrTunnelClosed
	}
	return err
}

// Close sends a best-effort Close frame, closes the connection and wipes the
// channel. It is idempotent.
func (t *Transport) Close() error {
	return t.CloseWithReason("")
}

// CloseWithReason is Close with a reason carried in the Close frame.
func (t *Transport) CloseWithReason(reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)

		if !t.peerClosed.Load() && !t.channel.Broken() {
			// Shortens any write already in flight so the lock frees up quickly.
			_ = t.conn.SetWriteDeadline(time.Now().Add(closeNotifyTimeout))
			if payload, encErr := protocol.EncodeControl(protocol.Close{Reason: reason}); encErr == nil {
				t.writeMu.Lock()
				_ = t.writeFrameLocked(protocol.FrameClose, payload, closeNotifyTimeout)
				t.writeMu.Unlock()
			}
		}

		err = t.conn.Close()
		t.channel.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// PeerClosed reports whether the peer sent a Close frame.
func (t *Transport) PeerClosed() bool {
	return t.peerClosed.Load()
}

// Channel returns the underlying secure channel.
func (t *Transport) Channel() *SecureChannel {
	return t.channel
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() TransportStats {
	return TransportStats{
		BytesSent:      t.bytesSent.Load(),
		BytesReceived:  t.bytesReceived.Load(),
		FramesSent:     t.framesSent.Load(),
		FramesReceived: t.framesReceived.Load(),
	}
}

// LocalAddr returns the local network address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (t *Transport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// SetReadTimeout sets the per-frame read timeout.
func (t *Transport) SetReadTimeout(d time.Duration) {
	t.readTimeout.Store(int64(d))
}

// SetWriteTimeout sets the per-frame write timeout.
func (t *Transport) SetWriteTimeout(d time.Duration) {
	t.writeTimeout.Store(int64(d))
}
