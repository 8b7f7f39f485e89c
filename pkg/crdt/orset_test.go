package crdt

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestORSet(t *testing.T) {
	t.Run("Add and contains", func(t *testing.T) {
		set := NewORSet()
		set.Add("x")

		assert.True(t, set.Contains("x"))
		assert.False(t, set.Contains("y"))
		assert.Equal(t, 1, set.Size())
	})

	t.Run("Remove only covers observed tags", func(t *testing.T) {
		set := NewORSet()
		set.Add("x")
		op := set.Remove("x")

		assert.False(t, set.Contains("x"))
		assert.Len(t, op.Tags, 1)
	})

	t.Run("Concurrent add wins over remove", func(t *testing.T) {
		a := NewORSet()
		b := NewORSet()

		addOp := a.Add("tag")
		b.Apply(addOp)

		// b removes while a concurrently re-adds
		removeOp := b.Remove("tag")
		readdOp := a.Add("tag")

		a.Apply(removeOp)
		b.Apply(readdOp)

		assert.True(t, a.Contains("tag"))
		assert.True(t, b.Contains("tag"))
		assert.Equal(t, a.Elements(), b.Elements())
	})

	t.Run("Three clients adding x, y, x converge to exactly {x, y}", func(t *testing.T) {
		a := NewORSet()
		b := NewORSet()
		c := NewORSet()

		op1 := a.Add("x")
		op2 := b.Add("y")
		op3 := c.Add("x")

		ops := []SetOp{op1, op2, op3}
		for _, set := range []*ORSet{a, b, c} {
			// deliver everything, twice, in different orders
			for i := len(ops) - 1; i >= 0; i-- {
				set.Apply(ops[i])
			}
			for _, op := range ops {
				set.Apply(op)
			}
		}

		for _, set := range []*ORSet{a, b, c} {
			assert.Equal(t, []string{"x", "y"}, set.Elements())
		}
	})

	t.Run("Remove arriving before its add still masks the tag", func(t *testing.T) {
		a := NewORSet()
		b := NewORSet()

		addOp := a.Add("z")
		removeOp := SetOp{Type: SetOpRemove, Element: "z", Tags: []uuid.UUID{addOp.Tag}}

		b.Apply(removeOp)
		b.Apply(addOp)

		assert.False(t, b.Contains("z"))
	})

	t.Run("Ops reproduce state on a fresh replica", func(t *testing.T) {
		origin := NewORSet()
		origin.Add("x")
		origin.Add("y")
		origin.Remove("y")

		replica := NewORSet()
		for _, op := range origin.Ops() {
			replica.Apply(op)
		}

		assert.Equal(t, origin.Elements(), replica.Elements())
	})
}
