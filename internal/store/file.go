package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// File is the durable Store: the in-memory store plus a write-ahead log and
// periodic snapshots.
//
//  1. WAL: every write is appended to disk before memory changes. After a
//     crash, replaying the WAL rebuilds the exact pre-crash state.
//
//  2. Snapshot: the full in-memory state is occasionally written to one file
//     so recovery replays only WAL entries newer than the snapshot, not the
//     whole history.
type File struct {
	*Memory
	wal     *WAL
	dataDir string
}

// NewFile opens (or creates) a durable store under dataDir.
//
// Startup: create the directory, load the latest snapshot into memory, open
// the WAL, replay entries written after the snapshot. After that the store
// is fully rebuilt.
func NewFile(dataDir, nodeID string) (*File, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	f := &File{
		Memory:  NewMemory(nodeID),
		dataDir: dataDir,
	}
	// WAL-first on every subsequent write.
	f.Memory.persist = func(collection string, ch Change) error {
		if err := f.wal.append(walEntry{Collection: collection, Change: ch}); err != nil {
			return fmt.Errorf("wal append: %w", err)
		}
		return nil
	}

	if err := f.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	wal, err := newWAL(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	f.wal = wal

	if err := f.replayWAL(); err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	return f, nil
}

// Snapshot saves the entire in-memory state to disk, then truncates the WAL.
//
// The write goes to a temporary file first and is renamed into place, so a
// crash mid-write leaves the previous snapshot intact.
func (f *File) Snapshot() error {
	data := f.snapshotData()

	path := filepath.Join(f.dataDir, "snapshot.json")
	tmp := path + ".tmp"

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(out).Encode(data); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	// Everything is now captured in the snapshot.
	return f.wal.truncate()
}

func (f *File) loadSnapshot() error {
	path := filepath.Join(f.dataDir, "snapshot.json")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil // no snapshot yet
	}
	if err != nil {
		return err
	}

	var data map[string]map[string]Document
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	for collection, docs := range data {
		for id, doc := range docs {
			f.restore(collection, id, doc)
		}
	}
	return nil
}

// replayWAL re-applies entries without re-writing them to the WAL.
func (f *File) replayWAL() error {
	entries, err := f.wal.readAll()
	if err != nil {
		return err
	}
	for _, e := range entries {
		id := e.Change.DocumentID
		if id == "" && e.Change.Document != nil {
			id = e.Change.Document.ID()
		}
		if id == "" {
			continue
		}
		f.restore(e.Collection, id, e.Change.Document)
	}
	return nil
}

// Close takes no final snapshot; callers decide when to compact.
func (f *File) Close() error {
	f.Memory.Close()
	return f.wal.close()
}
