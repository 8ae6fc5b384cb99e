package protocol

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	qerrors "github.com/pzverkov/sealtunnel/internal/errors"
)

// encMode is the CBOR encoder mode for control payloads.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for control payloads.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Unknown keys are ignored so later versions can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
		MaxMapPairs: 16,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Heartbeat is the payload of Heartbeat and HeartbeatAck frames. The ack
// echoes the probe unchanged so the sender can match it and measure RTT.
type Heartbeat struct {
	Seq    uint64 `cbor:"1,keyasint"`
	SentAt int64  `cbor:"2,keyasint"` // unix nanoseconds
}

// NewHeartbeat stamps a heartbeat with the current time.
func NewHeartbeat(seq uint64) Heartbeat {
	return Heartbeat{Seq: seq, SentAt: time.Now().UnixNano()}
}

// RTT returns the time elapsed since the heartbeat was sent.
func (h Heartbeat) RTT(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, h.SentAt))
}

// Close is the payload of a Close frame.
type Close struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// EncodeControl marshals a control payload.
func EncodeControl(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// DecodeHeartbeat unmarshals a heartbeat payload.
func DecodeHeartbeat(data []byte) (Heartbeat, error) {
	var h Heartbeat
	if err := decMode.Unmarshal(data, &h); err != nil {
		return Heartbeat{}, qerrors.NewProtocolError("heartbeat", fmt.Errorf("%w: %v", qerrors.ErrInvalidMessage, err))
	}
	return h, nil
}

// DecodeClose unmarshals a close payload. An empty payload is a close
// without reason.
func DecodeClose(data []byte) (Close, error) {
	var c Close
	if len(data) == 0 {
		return c, nil
	}
	if err := decMode.Unmarshal(data, &c); err != nil {
		return Close{}, qerrors.NewProtocolError("close", fmt.Errorf("%w: %v", qerrors.ErrInvalidMessage, err))
	}
	return c, nil
}
