package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateSequenceMonotonic(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	m.UpdateSequence("todos", 5)
	assert.Equal(t, uint64(5), m.Get().Sequences["todos"])

	// Lower and equal values are no-ops.
	m.UpdateSequence("todos", 3)
	m.UpdateSequence("todos", 5)
	assert.Equal(t, uint64(5), m.Get().Sequences["todos"])

	m.UpdateSequence("todos", 9)
	assert.Equal(t, uint64(9), m.Get().Sequences["todos"])

	// Collections are independent.
	m.UpdateSequence("notes", 2)
	snap := m.Get()
	assert.Equal(t, uint64(9), snap.Sequences["todos"])
	assert.Equal(t, uint64(2), snap.Sequences["notes"])
}

func TestGetReturnsCopy(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	m.UpdateSequence("todos", 1)

	snap := m.Get()
	snap.Sequences["todos"] = 99
	assert.Equal(t, uint64(1), m.Get().Sequences["todos"])
}

func TestServerCursor(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	m.UpdateFromServer("cursor-1")
	assert.Equal(t, "cursor-1", m.Get().ServerCursor)

	// Empty cursors never clobber a real one.
	m.UpdateFromServer("")
	assert.Equal(t, "cursor-1", m.Get().ServerCursor)
}

func TestFilePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePersister(dir, "engine-1")

	m, err := NewManager(p)
	require.NoError(t, err)
	m.UpdateSequence("todos", 42)
	m.UpdateFromServer("cursor-7")
	require.NoError(t, m.Save())

	// A fresh manager over the same file resumes from the durable state.
	m2, err := NewManager(p)
	require.NoError(t, err)
	snap := m2.Get()
	assert.Equal(t, uint64(42), snap.Sequences["todos"])
	assert.Equal(t, "cursor-7", snap.ServerCursor)
}

func TestResetRestoresDurableValue(t *testing.T) {
	dir := t.TempDir()
	p := NewFilePersister(dir, "engine-1")

	m, err := NewManager(p)
	require.NoError(t, err)
	m.UpdateSequence("todos", 10)
	require.NoError(t, m.Save())

	// In-memory progress past the durable point is rolled back.
	m.UpdateSequence("todos", 20)
	require.NoError(t, m.Reset())
	assert.Equal(t, uint64(10), m.Get().Sequences["todos"])
}
