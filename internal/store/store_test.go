package store

import (
	"testing"

	"github.com/josedab/pocket-go/internal/revision"
	"github.com/josedab/pocket-go/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutAssignsMetadata(t *testing.T) {
	m := NewMemory("node-a")
	doc, err := m.Put("todos", "t1", map[string]any{"title": "Buy milk", "completed": false})
	require.NoError(t, err)

	assert.Equal(t, "t1", doc.ID())
	assert.Equal(t, vclock.Clock{"node-a": 1}, doc.Clock())
	assert.NotZero(t, doc.UpdatedAt())

	r, ok := revision.Parse(doc.Rev())
	require.True(t, ok)
	assert.Equal(t, uint64(1), r.Seq)

	// Second write bumps both revision sequence and vector clock.
	doc2, err := m.Put("todos", "t1", map[string]any{"title": "Buy milk and bread"})
	require.NoError(t, err)
	assert.Equal(t, vclock.Clock{"node-a": 2}, doc2.Clock())
	r2, _ := revision.Parse(doc2.Rev())
	assert.Equal(t, uint64(2), r2.Seq)

	// Untouched fields survive a partial update.
	assert.Equal(t, false, doc2["completed"])
}

func TestDeleteLeavesTombstone(t *testing.T) {
	m := NewMemory("node-a")
	_, err := m.Put("todos", "t1", map[string]any{"title": "x"})
	require.NoError(t, err)
	require.NoError(t, m.Delete("todos", "t1"))

	c := m.Collection("todos")
	assert.Nil(t, c.Get("t1"), "tombstones are hidden from normal reads")

	raw := c.GetRaw("t1")
	require.NotNil(t, raw, "tombstones must stay visible for replication")
	assert.True(t, raw.Deleted())
	assert.Equal(t, vclock.Clock{"node-a": 2}, raw.Clock())
	assert.NotEmpty(t, raw.Rev())
	assert.Nil(t, raw["title"], "tombstone sheds application fields")
}

func TestApplyRemoteChangeIdempotent(t *testing.T) {
	m := NewMemory("node-b")
	remote := Document{
		FieldID:     "t1",
		"title":     "Buy milk",
		FieldRev:    "1-abc123",
		FieldVClock: vclock.Clock{"node-a": 1},
	}
	ch := Change{Operation: OpInsert, DocumentID: "t1", Document: remote, FromSync: true}

	c := m.Collection("todos")
	require.NoError(t, c.ApplyRemoteChange(ch))
	first := c.GetRaw("t1")

	require.NoError(t, c.ApplyRemoteChange(ch))
	assert.Equal(t, first, c.GetRaw("t1"), "second apply must leave the store unchanged")
	assert.Equal(t, 1, m.collection("todos").Len())
}

func TestChangeEvents(t *testing.T) {
	m := NewMemory("node-a")
	c := m.Collection("todos")
	events, cancel := c.Changes()
	defer cancel()

	_, err := m.Put("todos", "t1", map[string]any{"title": "x"})
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, OpInsert, ev.Operation)
	assert.Equal(t, "t1", ev.DocumentID)
	assert.False(t, ev.FromSync)
	assert.Nil(t, ev.Previous)

	_, err = m.Put("todos", "t1", map[string]any{"title": "y"})
	require.NoError(t, err)
	ev = <-events
	assert.Equal(t, OpUpdate, ev.Operation)
	require.NotNil(t, ev.Previous)
	assert.Equal(t, "x", ev.Previous["title"])

	err = c.ApplyRemoteChange(Change{
		Operation:  OpUpdate,
		DocumentID: "t1",
		Document:   Document{FieldID: "t1", "title": "z", FieldRev: "9-remote"},
	})
	require.NoError(t, err)
	ev = <-events
	assert.True(t, ev.FromSync, "remote applies must be flagged so they are not re-echoed")
}

func TestPutHonoursPresetUpdatedAt(t *testing.T) {
	m := NewMemory("node-a")
	doc, err := m.Put("todos", "t1", map[string]any{"title": "x", FieldUpdatedAt: int64(200)})
	require.NoError(t, err)
	assert.Equal(t, int64(200), doc.UpdatedAt())
}

func TestDocumentCloneIsDeep(t *testing.T) {
	doc := Document{
		FieldID:     "t1",
		"nested":    map[string]any{"a": 1},
		FieldVClock: vclock.Clock{"n": 1},
	}
	clone := doc.Clone()
	clone["nested"].(map[string]any)["a"] = 2
	assert.Equal(t, 1, doc["nested"].(map[string]any)["a"])
}

func TestFileStoreRecovery(t *testing.T) {
	dir := t.TempDir()

	f, err := NewFile(dir, "node-a")
	require.NoError(t, err)
	_, err = f.Put("todos", "t1", map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	_, err = f.Put("todos", "t2", map[string]any{"title": "Walk dog"})
	require.NoError(t, err)
	require.NoError(t, f.Delete("todos", "t2"))
	require.NoError(t, f.Close())

	// Reopen: WAL replay must rebuild the exact state.
	f2, err := NewFile(dir, "node-a")
	require.NoError(t, err)
	defer f2.Close()

	c := f2.Collection("todos")
	doc := c.Get("t1")
	require.NotNil(t, doc)
	assert.Equal(t, "Buy milk", doc["title"])
	assert.Nil(t, c.Get("t2"))
	assert.True(t, c.GetRaw("t2").Deleted())
}

func TestFileStoreSnapshotThenRecovery(t *testing.T) {
	dir := t.TempDir()

	f, err := NewFile(dir, "node-a")
	require.NoError(t, err)
	_, err = f.Put("todos", "t1", map[string]any{"title": "Buy milk"})
	require.NoError(t, err)
	require.NoError(t, f.Snapshot())
	_, err = f.Put("todos", "t1", map[string]any{"title": "Buy milk and bread"})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := NewFile(dir, "node-a")
	require.NoError(t, err)
	defer f2.Close()

	// Snapshot state plus the post-snapshot WAL entry.
	doc := f2.Collection("todos").Get("t1")
	require.NotNil(t, doc)
	assert.Equal(t, "Buy milk and bread", doc["title"])
	assert.Equal(t, vclock.Clock{"node-a": 2}, doc.Clock())
}
