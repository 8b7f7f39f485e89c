package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/collaboration"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/crdt"
	"github.com/elementalcollision/GraphMemory-IDE-sub005/pkg/models"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()

	server := miniredis.RunT(t)
	store, err := NewRedisStore(Config{Address: server.Addr()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := models.MemoryRecord{
		ID:             "rec-1",
		Title:          "design notes",
		Content:        "hello",
		Tags:           []string{"x", "y"},
		Metadata:       map[string]interface{}{"priority": "high"},
		VersionVector:  crdt.VectorClock{"alice": 3, "bob": 1},
		LastModified:   time.Now().UTC().Truncate(time.Millisecond),
		LastModifiedBy: "alice",
	}
	require.NoError(t, store.SaveSnapshot(ctx, record))

	loaded, err := store.LoadSnapshot(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, record.Title, loaded.Title)
	assert.Equal(t, record.Content, loaded.Content)
	assert.Equal(t, record.Tags, loaded.Tags)
	assert.Equal(t, record.VersionVector, loaded.VersionVector)
	assert.Equal(t, record.LastModifiedBy, loaded.LastModifiedBy)
}

func TestRedisStoreLoadMissingSnapshot(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadSnapshot(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDeltaLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Build a real delta log by editing a replica.
	replica := collaboration.NewRecordStore("rec-1", "alice", nil)
	texts := []string{"a", "b", "c", "d"}
	for i, text := range texts {
		_, err := replica.ApplyLocal(collaboration.FieldContent, collaboration.EditOperation{
			Type:  collaboration.EditInsert,
			Index: i,
			Text:  text,
		})
		require.NoError(t, err)
	}
	for _, delta := range replica.Log() {
		require.NoError(t, store.AppendDelta(ctx, delta))
	}

	t.Run("full log from empty vector", func(t *testing.T) {
		deltas, err := store.DeltasSince(ctx, "rec-1", crdt.NewVectorClock())
		require.NoError(t, err)
		require.Len(t, deltas, 4)
	})

	t.Run("exactly the missed suffix", func(t *testing.T) {
		deltas, err := store.DeltasSince(ctx, "rec-1", crdt.VectorClock{"alice": 2})
		require.NoError(t, err)
		require.Len(t, deltas, 2)
		assert.Equal(t, uint64(3), deltas[0].Seq)
		assert.Equal(t, uint64(4), deltas[1].Seq)
	})

	t.Run("replaying onto a fresh replica reproduces the text", func(t *testing.T) {
		deltas, err := store.DeltasSince(ctx, "rec-1", crdt.NewVectorClock())
		require.NoError(t, err)

		other := collaboration.NewRecordStore("rec-1", "bob", nil)
		for _, delta := range deltas {
			_, err := other.ApplyRemote(delta)
			require.NoError(t, err)
		}
		assert.Equal(t, "abcd", other.Snapshot().Content)
	})
}
