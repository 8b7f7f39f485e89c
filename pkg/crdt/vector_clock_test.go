package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVectorClock(t *testing.T) {
	t.Run("New vector clock is empty", func(t *testing.T) {
		vc := NewVectorClock()
		assert.NotNil(t, vc)
		assert.Equal(t, 0, len(vc))
	})

	t.Run("Increment updates clock", func(t *testing.T) {
		vc := NewVectorClock()
		vc.Increment("node1")

		assert.Equal(t, uint64(1), vc["node1"])

		vc.Increment("node1")
		assert.Equal(t, uint64(2), vc["node1"])

		vc.Increment("node2")
		assert.Equal(t, uint64(1), vc["node2"])
	})

	t.Run("Update takes maximum values", func(t *testing.T) {
		vc1 := VectorClock{"node1": 5, "node2": 3}
		vc2 := VectorClock{"node1": 3, "node2": 5, "node3": 1}

		vc1.Update(vc2)

		assert.Equal(t, uint64(5), vc1["node1"])
		assert.Equal(t, uint64(5), vc1["node2"])
		assert.Equal(t, uint64(1), vc1["node3"])
	})

	t.Run("HappensBefore detects causality", func(t *testing.T) {
		vc1 := VectorClock{"node1": 1, "node2": 2}
		vc2 := VectorClock{"node1": 2, "node2": 3}

		assert.True(t, vc1.HappensBefore(vc2))
		assert.False(t, vc2.HappensBefore(vc1))
	})

	t.Run("Concurrent clocks detected", func(t *testing.T) {
		vc1 := VectorClock{"node1": 2, "node2": 1}
		vc2 := VectorClock{"node1": 1, "node2": 2}

		assert.True(t, vc1.Concurrent(vc2))
		assert.True(t, vc2.Concurrent(vc1))
		assert.False(t, vc1.HappensBefore(vc2))
		assert.False(t, vc2.HappensBefore(vc1))
	})

	t.Run("Equal clocks are not concurrent", func(t *testing.T) {
		vc1 := VectorClock{"node1": 2}
		vc2 := VectorClock{"node1": 2}

		assert.True(t, vc1.Equal(vc2))
		assert.False(t, vc1.Concurrent(vc2))
		assert.False(t, vc1.HappensBefore(vc2))
	})

	t.Run("Dominates covers missing entries", func(t *testing.T) {
		vc1 := VectorClock{"node1": 3, "node2": 1}
		vc2 := VectorClock{"node1": 2}

		assert.True(t, vc1.Dominates(vc2))
		assert.False(t, vc2.Dominates(vc1))
	})

	t.Run("Clone is independent", func(t *testing.T) {
		vc := VectorClock{"node1": 1}
		clone := vc.Clone()
		clone.Increment("node1")

		assert.Equal(t, uint64(1), vc["node1"])
		assert.Equal(t, uint64(2), clone["node1"])
	})
}
