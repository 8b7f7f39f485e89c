package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/observability"
)

func TestFrameRoundTrip(t *testing.T) {
	step1 := SyncStep1{
		RecordID:      "rec-1",
		VersionVector: crdt.VectorClock{"alice": 4, "bob": 2},
	}

	data, err := EncodeFrameJSON(FrameSyncStep1, step1)
	require.NoError(t, err)
	assert.Equal(t, byte(FrameVersion), data[0])

	frameType, payload, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, FrameSyncStep1, frameType)
	assert.JSONEq(t, `{"record_id":"rec-1","version_vector":{"alice":4,"bob":2}}`, string(payload))
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	frameType, payload, err := DecodeFrame(EncodeFrame(FramePing, nil))
	require.NoError(t, err)
	assert.Equal(t, FramePing, frameType)
	assert.Empty(t, payload)
}

func TestDecodeFrameMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated header", []byte{FrameVersion, byte(FramePing)}},
		{"bad version", append([]byte{9, byte(FramePing)}, 0, 0, 0, 0)},
		{"zero frame type", append([]byte{FrameVersion, 0}, 0, 0, 0, 0)},
		{"unknown frame type", append([]byte{FrameVersion, 200}, 0, 0, 0, 0)},
		{"size mismatch", append([]byte{FrameVersion, byte(FrameUpdate), 0, 0, 0, 9}, '{', '}')},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeFrame(tt.data)
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "sync_step_1", FrameSyncStep1.String())
	assert.Equal(t, "awareness_update", FrameAwareness.String())
	assert.Equal(t, "unknown", FrameType(99).String())
}

func TestStateMachineTransitions(t *testing.T) {
	sm := newStateMachine()
	assert.Equal(t, StateDisconnected, sm.Current())

	observed := sm.Observe()

	sm.Set(StateConnecting)
	sm.Set(StateConnecting) // no-op, must not emit
	sm.Set(StateHandshaking)
	sm.Set(StateSynced)

	assert.Equal(t, StateSynced, sm.Current())

	want := []StateTransition{
		{From: StateDisconnected, To: StateConnecting},
		{From: StateConnecting, To: StateHandshaking},
		{From: StateHandshaking, To: StateSynced},
	}
	for _, expected := range want {
		select {
		case got := <-observed:
			assert.Equal(t, expected, got)
		case <-time.After(time.Second):
			t.Fatalf("missing transition %v", expected)
		}
	}
}

func TestPerformanceMonitor(t *testing.T) {
	metrics := observability.NewInMemoryMetricsClient()
	m := NewPerformanceMonitor("message_latency", 50*time.Millisecond, metrics)

	empty := m.Snapshot()
	assert.True(t, empty.Compliant)
	assert.Zero(t, empty.Count)

	m.RecordLatency(10 * time.Millisecond)
	m.RecordLatency(30 * time.Millisecond)

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.Count)
	assert.Equal(t, 20*time.Millisecond, snap.Avg)
	assert.Equal(t, 30*time.Millisecond, snap.Max)
	assert.True(t, snap.Compliant)

	m.RecordLatency(200 * time.Millisecond)
	assert.False(t, m.Snapshot().Compliant)
}

func TestPerformanceMonitorWindow(t *testing.T) {
	m := NewPerformanceMonitor("message_latency", time.Second, observability.NewInMemoryMetricsClient())
	for i := 0; i < 300; i++ {
		m.RecordLatency(time.Millisecond)
	}
	assert.Equal(t, 256, m.Snapshot().Count)
}
