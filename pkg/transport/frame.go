// Package transport implements the synchronization transport: the
// connection state machine, the binary sync sub-protocol, the JSON
// control envelope, the server session hub, and the reconnecting client.
// A delta applied on one replica reaches every other session participant
// through this package.
package transport

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/collaboration"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
)

// ErrProtocol marks malformed or unknown frames. Protocol errors are
// logged and the frame dropped; they never terminate the session.
var ErrProtocol = errors.New("protocol error")

// Binary frame layout: version(1) + type(1) + payloadSize(4), then the
// JSON payload.
const (
	FrameVersion    = 1
	frameHeaderSize = 6
)

// FrameType tags a binary sync frame
type FrameType byte

// Binary frame types
const (
	FrameSyncStep1 FrameType = iota + 1
	FrameSyncStep2
	FrameUpdate
	FrameAwareness
	FramePing
	FramePong
)

func (t FrameType) valid() bool {
	return t >= FrameSyncStep1 && t <= FramePong
}

// String returns the wire name of the frame type
func (t FrameType) String() string {
	switch t {
	case FrameSyncStep1:
		return "sync_step_1"
	case FrameSyncStep2:
		return "sync_step_2"
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness_update"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	}
	return "unknown"
}

// SyncStep1 is the client's half of the reconciliation handshake: its
// current version vector, from which the peer computes what it missed.
type SyncStep1 struct {
	RecordID      string           `json:"record_id"`
	VersionVector crdt.VectorClock `json:"version_vector"`
}

// SyncStep2 answers a SyncStep1 with exactly the deltas the requester
// has not seen. Full marks a complete resync after a corrupt vector.
type SyncStep2 struct {
	RecordID string                 `json:"record_id"`
	Deltas   []*collaboration.Delta `json:"deltas"`
	Full     bool                   `json:"full,omitempty"`
	Snapshot *models.MemoryRecord   `json:"snapshot,omitempty"`
}

// EncodeFrame frames a payload for the wire
func EncodeFrame(frameType FrameType, payload []byte) []byte {
	out := make([]byte, frameHeaderSize+len(payload))
	out[0] = FrameVersion
	out[1] = byte(frameType)
	binary.BigEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[frameHeaderSize:], payload)
	return out
}

// EncodeFrameJSON frames a JSON-marshaled payload
func EncodeFrameJSON(frameType FrameType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling frame payload")
	}
	return EncodeFrame(frameType, data), nil
}

// DecodeFrame parses a wire frame into its type and payload
func DecodeFrame(data []byte) (FrameType, []byte, error) {
	if len(data) < frameHeaderSize {
		return 0, nil, errors.Wrapf(ErrProtocol, "frame too short: %d bytes", len(data))
	}
	if data[0] != FrameVersion {
		return 0, nil, errors.Wrapf(ErrProtocol, "unsupported frame version %d", data[0])
	}
	frameType := FrameType(data[1])
	if !frameType.valid() {
		return 0, nil, errors.Wrapf(ErrProtocol, "unknown frame type %d", data[1])
	}
	size := binary.BigEndian.Uint32(data[2:6])
	payload := data[frameHeaderSize:]
	if uint32(len(payload)) != size {
		return 0, nil, errors.Wrapf(ErrProtocol, "payload size mismatch: header %d, got %d", size, len(payload))
	}
	return frameType, payload, nil
}
