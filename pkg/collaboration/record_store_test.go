package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
)

func newTestStore(nodeID string) *RecordStore {
	return NewRecordStore("record-1", crdt.NodeID(nodeID), nil)
}

// deliver applies all deltas to the store and fails the test on transport
// level errors (conflicts and buffering are legitimate outcomes).
func deliver(t *testing.T, store *RecordStore, deltas ...*Delta) {
	t.Helper()
	for _, delta := range deltas {
		_, err := store.ApplyRemote(delta)
		require.NoError(t, err)
	}
}

func TestRecordStoreLocalEdits(t *testing.T) {
	t.Run("Insert produces delta and updates snapshot", func(t *testing.T) {
		store := newTestStore("a")
		delta, err := store.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: "hello"})
		require.NoError(t, err)

		assert.Equal(t, crdt.NodeID("a"), delta.Origin)
		assert.Equal(t, uint64(1), delta.Seq)

		snap := store.Snapshot()
		assert.Equal(t, "hello", snap.Content)
		assert.Equal(t, "a", snap.LastModifiedBy)
		assert.Equal(t, uint64(1), snap.VersionVector["a"])
	})

	t.Run("Tag and metadata edits", func(t *testing.T) {
		store := newTestStore("a")
		_, err := store.ApplyLocal(FieldTags, EditOperation{Type: EditAddTag, Text: "ml"})
		require.NoError(t, err)
		_, err = store.ApplyLocal(FieldMetadata, EditOperation{Type: EditSetMetadata, Key: "source", Value: "import"})
		require.NoError(t, err)

		snap := store.Snapshot()
		assert.Equal(t, []string{"ml"}, snap.Tags)
		assert.Equal(t, "import", snap.Metadata["source"])
	})

	t.Run("Unknown field rejected", func(t *testing.T) {
		store := newTestStore("a")
		_, err := store.ApplyLocal("nope", EditOperation{Type: EditInsert, Text: "x"})
		assert.ErrorIs(t, err, ErrUnknownField)
	})

	t.Run("Tag op on a text field rejected", func(t *testing.T) {
		store := newTestStore("a")
		_, err := store.ApplyLocal(FieldTitle, EditOperation{Type: EditAddTag, Text: "x"})
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})
}

func TestRecordStoreConvergence(t *testing.T) {
	t.Run("Two replicas converge regardless of delivery order", func(t *testing.T) {
		a := newTestStore("a")
		b := newTestStore("b")

		d1, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: "shared"})
		require.NoError(t, err)
		d2, err := a.ApplyLocal(FieldTags, EditOperation{Type: EditAddTag, Text: "graph"})
		require.NoError(t, err)
		d3, err := b.ApplyLocal(FieldTitle, EditOperation{Type: EditInsert, Index: 0, Text: "notes"})
		require.NoError(t, err)

		deliver(t, b, d1, d2)
		deliver(t, a, d3)

		assert.Equal(t, a.Snapshot().Content, b.Snapshot().Content)
		assert.Equal(t, a.Snapshot().Title, b.Snapshot().Title)
		assert.Equal(t, a.Snapshot().Tags, b.Snapshot().Tags)
	})

	t.Run("Out of order delivery is buffered until dependencies arrive", func(t *testing.T) {
		a := newTestStore("a")
		b := newTestStore("b")

		d1, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: "one"})
		require.NoError(t, err)
		d2, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 3, Text: "two"})
		require.NoError(t, err)

		outcome, err := b.ApplyRemote(d2)
		require.NoError(t, err)
		assert.Equal(t, MergeBuffered, outcome.Status)
		assert.Equal(t, 1, b.PendingCount())
		assert.Equal(t, "", b.Snapshot().Content)

		outcome, err = b.ApplyRemote(d1)
		require.NoError(t, err)
		assert.Equal(t, MergeApplied, outcome.Status)
		assert.Equal(t, 0, b.PendingCount())
		assert.Equal(t, "onetwo", b.Snapshot().Content)
	})

	t.Run("Duplicate delivery is idempotent", func(t *testing.T) {
		a := newTestStore("a")
		b := newTestStore("b")

		d1, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: "once"})
		require.NoError(t, err)

		deliver(t, b, d1, d1, d1)
		assert.Equal(t, "once", b.Snapshot().Content)
		assert.Len(t, b.Log(), 1)
	})
}

func TestRecordStoreDeltasSince(t *testing.T) {
	t.Run("Returns exactly the missed deltas, no gaps no duplicates", func(t *testing.T) {
		a := newTestStore("a")
		b := newTestStore("b")

		var all []*Delta
		for _, word := range []string{"w1 ", "w2 ", "w3 ", "w4 "} {
			d, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: word})
			require.NoError(t, err)
			all = append(all, d)
		}

		// b saw only the first two
		deliver(t, b, all[0], all[1])
		missed := a.DeltasSince(b.VersionVector())

		require.Len(t, missed, 2)
		assert.Equal(t, all[2].ID, missed[0].ID)
		assert.Equal(t, all[3].ID, missed[1].ID)

		deliver(t, b, missed...)
		assert.Equal(t, a.Snapshot().Content, b.Snapshot().Content)
	})
}

func TestRecordStoreSubscribe(t *testing.T) {
	t.Run("Subscribers observe applied changes and can unsubscribe", func(t *testing.T) {
		store := newTestStore("a")

		var seen []string
		cancel := store.Subscribe(func(snap models.MemoryRecord) {
			seen = append(seen, snap.Content)
		})

		_, err := store.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: "x"})
		require.NoError(t, err)
		cancel()
		_, err = store.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 1, Text: "y"})
		require.NoError(t, err)

		assert.Equal(t, []string{"x"}, seen)
	})
}
