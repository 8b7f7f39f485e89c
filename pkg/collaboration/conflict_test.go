package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
)

// seedConflict reproduces the canonical divergence: replica a edits
// "hello" to "hallo" character by character while replica b concurrently
// replaces the whole field with "hullo". It returns both stores, a's
// pending deltas, and the conflict raised at a.
func seedConflict(t *testing.T) (a, b *RecordStore, aDeltas []*Delta, conflict *ConflictEntry) {
	t.Helper()

	a = newTestStore("a")
	b = newTestStore("b")

	base, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 0, Text: "hello"})
	require.NoError(t, err)
	deliver(t, b, base)

	// a: char replace at position 1
	d1, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditDelete, Index: 1, Length: 1})
	require.NoError(t, err)
	d2, err := a.ApplyLocal(FieldContent, EditOperation{Type: EditInsert, Index: 1, Text: "a"})
	require.NoError(t, err)
	require.Equal(t, "hallo", a.Snapshot().Content)

	// b: whole-field replace
	replace, err := b.ApplyLocal(FieldContent, EditOperation{Type: EditReplace, Text: "hullo"})
	require.NoError(t, err)
	require.Equal(t, "hullo", b.Snapshot().Content)

	outcome, err := a.ApplyRemote(replace)
	require.NoError(t, err)
	require.Equal(t, MergeConflicted, outcome.Status)
	require.NotNil(t, outcome.Conflict)

	return a, b, []*Delta{d1, d2}, outcome.Conflict
}

func TestConflictDetection(t *testing.T) {
	t.Run("Concurrent replace vs fine-grained edits yields exactly one conflict", func(t *testing.T) {
		a, _, _, conflict := seedConflict(t)

		open := a.OpenConflicts()
		require.Len(t, open, 1)
		assert.Equal(t, FieldContent, conflict.Record.FieldPath)
		assert.Equal(t, models.ConflictTypeText, conflict.Record.Type)
		assert.Equal(t, "hallo", conflict.Record.LocalValue)
		assert.Equal(t, "hullo", conflict.Record.RemoteValue)
		assert.ElementsMatch(t, []string{"a", "b"}, conflict.Record.ParticipantClientIDs)

		// The divergent field stays at the local value until resolution.
		assert.Equal(t, "hallo", a.Snapshot().Content)
	})

	t.Run("Redelivery of the conflicted delta does not duplicate the conflict", func(t *testing.T) {
		a, b, _, _ := seedConflict(t)

		// b's log still holds the replace; deliver it to a again.
		for _, delta := range b.Log() {
			if delta.Origin == "b" {
				outcome, err := a.ApplyRemote(delta)
				require.NoError(t, err)
				assert.Equal(t, MergeConflicted, outcome.Status)
			}
		}
		assert.Len(t, a.OpenConflicts(), 1)
	})

	t.Run("A conflict on one field does not block merges on another", func(t *testing.T) {
		a, b, _, _ := seedConflict(t)

		d, err := b.ApplyLocal(FieldTitle, EditOperation{Type: EditInsert, Index: 0, Text: "title"})
		require.NoError(t, err)
		outcome, err := a.ApplyRemote(d)
		require.NoError(t, err)

		assert.Equal(t, MergeApplied, outcome.Status)
		assert.Equal(t, "title", a.Snapshot().Title)
	})
}

func TestConflictResolution(t *testing.T) {
	t.Run("Resolving with local keeps hallo on both replicas", func(t *testing.T) {
		a, b, aDeltas, conflict := seedConflict(t)
		resolver := NewConflictResolver(a, nil)

		resolution, err := resolver.Resolve(conflict.Record.ID, models.ResolutionLocal, nil)
		require.NoError(t, err)
		assert.Equal(t, "hallo", a.Snapshot().Content)

		// b catches up with a's edits and the resolution
		deliver(t, b, aDeltas...)
		deliver(t, b, resolution)
		assert.Equal(t, "hallo", b.Snapshot().Content)
		assert.Empty(t, b.OpenConflicts(), "mirrored conflict auto-resolves")
	})

	t.Run("Resolving with remote converges to hullo", func(t *testing.T) {
		a, b, aDeltas, conflict := seedConflict(t)
		resolver := NewConflictResolver(a, nil)

		resolution, err := resolver.Resolve(conflict.Record.ID, models.ResolutionRemote, nil)
		require.NoError(t, err)
		assert.Equal(t, "hullo", a.Snapshot().Content)

		deliver(t, b, aDeltas...)
		deliver(t, b, resolution)
		assert.Equal(t, "hullo", b.Snapshot().Content)
	})

	t.Run("Resolving with a custom value", func(t *testing.T) {
		a, _, _, conflict := seedConflict(t)
		resolver := NewConflictResolver(a, nil)

		_, err := resolver.Resolve(conflict.Record.ID, models.ResolutionCustom, "merged")
		require.NoError(t, err)
		assert.Equal(t, "merged", a.Snapshot().Content)
	})

	t.Run("Custom resolution without a value is rejected and conflict stays open", func(t *testing.T) {
		a, _, _, conflict := seedConflict(t)
		resolver := NewConflictResolver(a, nil)

		_, err := resolver.Resolve(conflict.Record.ID, models.ResolutionCustom, nil)
		assert.ErrorIs(t, err, ErrInvalidResolution)
		assert.Len(t, a.OpenConflicts(), 1)
		assert.Equal(t, "hallo", a.Snapshot().Content)
	})

	t.Run("Non-string value on a text field is rejected", func(t *testing.T) {
		a := newTestStore("a")
		resolver := NewConflictResolver(a, nil)

		record := resolver.Detect(FieldContent, 42, "text")
		require.NotNil(t, record)

		_, err := resolver.Resolve(record.ID, models.ResolutionLocal, nil)
		assert.ErrorIs(t, err, ErrInvalidResolution)
		assert.Len(t, a.OpenConflicts(), 1)
	})

	t.Run("Metadata conflicts resolve with map values on both replicas", func(t *testing.T) {
		a := newTestStore("a")
		b := newTestStore("b")
		base, err := a.ApplyLocal(FieldMetadata, EditOperation{Type: EditSetMetadata, Key: "lang", Value: "go"})
		require.NoError(t, err)
		deliver(t, b, base)

		resolver := NewConflictResolver(a, nil)
		record := resolver.Detect(FieldMetadata,
			map[string]interface{}{"lang": "go"},
			map[string]interface{}{"lang": "py", "rev": "2"})
		require.NotNil(t, record)

		resolution, err := resolver.Resolve(record.ID, models.ResolutionRemote, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"lang": "py", "rev": "2"}, a.Snapshot().Metadata)
		assert.Empty(t, a.OpenConflicts())

		deliver(t, b, resolution)
		assert.Equal(t, map[string]interface{}{"lang": "py", "rev": "2"}, b.Snapshot().Metadata)
	})

	t.Run("Tag conflicts resolve with a custom tag list", func(t *testing.T) {
		a := newTestStore("a")
		b := newTestStore("b")
		d1, err := a.ApplyLocal(FieldTags, EditOperation{Type: EditAddTag, Text: "old"})
		require.NoError(t, err)
		d2, err := a.ApplyLocal(FieldTags, EditOperation{Type: EditAddTag, Text: "keep"})
		require.NoError(t, err)
		deliver(t, b, d1, d2)

		resolver := NewConflictResolver(a, nil)
		record := resolver.Detect(FieldTags, []string{"old", "keep"}, []string{"keep", "new"})
		require.NotNil(t, record)

		// A wire-decoded custom value arrives as []interface{}.
		resolution, err := resolver.Resolve(record.ID, models.ResolutionCustom, []interface{}{"keep", "new"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"keep", "new"}, a.Snapshot().Tags)

		deliver(t, b, resolution)
		assert.ElementsMatch(t, []string{"keep", "new"}, b.Snapshot().Tags)
	})

	t.Run("Resolving twice is rejected", func(t *testing.T) {
		a, _, _, conflict := seedConflict(t)
		resolver := NewConflictResolver(a, nil)

		_, err := resolver.Resolve(conflict.Record.ID, models.ResolutionLocal, nil)
		require.NoError(t, err)
		_, err = resolver.Resolve(conflict.Record.ID, models.ResolutionLocal, nil)
		assert.ErrorIs(t, err, ErrConflictResolved)
	})

	t.Run("Unknown conflict id is rejected", func(t *testing.T) {
		a, _, _, _ := seedConflict(t)
		resolver := NewConflictResolver(a, nil)

		_, err := resolver.Resolve("c7c1f2f0-0000-0000-0000-000000000000", models.ResolutionLocal, nil)
		assert.ErrorIs(t, err, ErrConflictNotFound)
	})
}

func TestConflictDetectHelper(t *testing.T) {
	t.Run("Identical values do not conflict", func(t *testing.T) {
		store := newTestStore("a")
		resolver := NewConflictResolver(store, nil)

		assert.Nil(t, resolver.Detect(FieldContent, "same", "same"))
	})

	t.Run("Diverged values register a conflict", func(t *testing.T) {
		store := newTestStore("a")
		resolver := NewConflictResolver(store, nil)

		record := resolver.Detect(FieldMetadata, "x", "y")
		require.NotNil(t, record)
		assert.Equal(t, models.ConflictTypeMetadata, record.Type)
		assert.Len(t, store.OpenConflicts(), 1)
	})

	t.Run("Map values compare structurally", func(t *testing.T) {
		store := newTestStore("a")
		resolver := NewConflictResolver(store, nil)

		assert.Nil(t, resolver.Detect(FieldMetadata,
			map[string]interface{}{"k": "v"},
			map[string]interface{}{"k": "v"}))

		record := resolver.Detect(FieldMetadata,
			map[string]interface{}{"k": "v1"},
			map[string]interface{}{"k": "v2"})
		require.NotNil(t, record)
		assert.Len(t, store.OpenConflicts(), 1)
	})
}
