package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLWWMap(t *testing.T) {
	t.Run("Set and get", func(t *testing.T) {
		m := NewLWWMap("node1")
		m.Set("category", "research")

		value, ok := m.Get("category")
		assert.True(t, ok)
		assert.Equal(t, "research", value)
	})

	t.Run("Later write wins", func(t *testing.T) {
		a := NewLWWMap("a")
		b := NewLWWMap("b")

		op1 := a.Set("priority", "low")
		b.Apply(op1)
		op2 := b.Set("priority", "high")
		a.Apply(op2)

		va, _ := a.Get("priority")
		vb, _ := b.Get("priority")
		assert.Equal(t, "high", va)
		assert.Equal(t, vb, va)
	})

	t.Run("Equal timestamps break ties by node id", func(t *testing.T) {
		a := NewLWWMap("a")
		b := NewLWWMap("b")

		opA := a.Set("color", "red")  // timestamp 1, node a
		opB := b.Set("color", "blue") // timestamp 1, node b

		a.Apply(opB)
		b.Apply(opA)

		va, _ := a.Get("color")
		vb, _ := b.Get("color")
		assert.Equal(t, "blue", va, "higher node id wins the tie")
		assert.Equal(t, va, vb)
	})

	t.Run("Duplicate and reordered delivery converge", func(t *testing.T) {
		a := NewLWWMap("a")
		ops := []MapOp{
			a.Set("k", "v1"),
			a.Set("k", "v2"),
			a.Set("k", "v3"),
		}

		b := NewLWWMap("b")
		for i := len(ops) - 1; i >= 0; i-- {
			b.Apply(ops[i])
			b.Apply(ops[i])
		}

		vb, _ := b.Get("k")
		assert.Equal(t, "v3", vb)
	})

	t.Run("Snapshot materializes entries", func(t *testing.T) {
		m := NewLWWMap("node1")
		m.Set("one", 1)
		m.Set("two", 2)

		snap := m.Snapshot()
		assert.Equal(t, 2, len(snap))
		assert.Equal(t, 1, snap["one"])
	})
}
