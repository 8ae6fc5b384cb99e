package tunnel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pzverkov/sealtunnel/internal/constants"
	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
	"github.com/pzverkov/sealtunnel/pkg/protocol"
)

// HeartbeatConfig configures client liveness probing.
type HeartbeatConfig struct {
	// Interval between heartbeats.
	Interval time.Duration

	// Timeout is how long the peer may stay silent before the session is
	// declared dead. Any inbound frame counts as a sign of life.
	Timeout time.Duration
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: constants.DefaultHeartbeatInterval,
		Timeout:  constants.DefaultHeartbeatTimeout,
	}
}

// Heartbeater sends periodic heartbeats over a transport and watches for
// inbound traffic.
type Heartbeater struct {
	transport *Transport
	config    HeartbeatConfig
	observer  Observer

	seq      atomic.Uint64
	lastSeen atomic.Int64
	lastRTT  atomic.Int64
}

// NewHeartbeater creates a heartbeater. Zero config fields take defaults.
func NewHeartbeater(t *Transport, config HeartbeatConfig, observer Observer) *Heartbeater {
	if config.Interval <= 0 {
		config.Interval = constants.DefaultHeartbeatInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = constants.DefaultHeartbeatTimeout
	}
	h := &Heartbeater{
		transport: t,
		config:    config,
		observer:  observerOrNop(observer),
	}
	h.Seen()
	return h
}

// Run sends a heartbeat every interval until ctx is done, a write fails or
// the peer has been silent for longer than the timeout.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if silent := time.Since(time.Unix(0, h.lastSeen.Load())); silent > h.config.Timeout {
			return fmt.Errorf("no frame from peer for %s: %w", silent.Round(time.Millisecond), qerrors.ErrTimeout)
		}

		payload, err := protocol.EncodeControl(protocol.NewHeartbeat(h.seq.Add(1)))
		if err != nil {
			return err
		}
		if err := h.transport.WriteFrame(protocol.FrameHeartbeat, payload); err != nil {
			return err
		}
	}
}

// Seen records inbound traffic.
func (h *Heartbeater) Seen() {
	h.lastSeen.Store(time.Now().UnixNano())
}

// HandleAck processes a HeartbeatAck payload and records the round trip.
func (h *Heartbeater) HandleAck(payload []byte) error {
	hb, err := protocol.DecodeHeartbeat(payload)
	if err != nil {
		return err
	}
	h.Seen()
	rtt := hb.RTT(time.Now())
	h.lastRTT.Store(int64(rtt))
	h.observer.OnHeartbeat(rtt)
	return nil
}

// LastRTT returns the most recent heartbeat round trip, or zero.
func (h *Heartbeater) LastRTT() time.Duration {
	return time.Duration(h.lastRTT.Load())
}

// AnswerHeartbeat echoes a heartbeat payload back as a HeartbeatAck.
func AnswerHeartbeat(t *Transport, payload []byte) error {
	if _, err := protocol.DecodeHeartbeat(payload); err != nil {
		return err
	}
	return t.WriteFrame(protocol.FrameHeartbeatAck, payload)
}
