// Package checkpoint tracks the per-collection high-water marks the sync
// engine resumes from.
//
// Two things are tracked per local node:
//
//   - sequences: the highest server-assigned sequence this node has applied,
//     per collection. Pulls ask the server for "everything after this".
//   - server cursor: an opaque token the server issues on every pull. The
//     node never interprets it, it only hands it back.
//
// Checkpoints only move forward across successful pulls. After a crash the
// engine reloads the last durable snapshot; replaying changes at or below
// the checkpoint is harmless because remote applies are idempotent.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
)

// Snapshot is the immutable view pull messages carry.
type Snapshot struct {
	Sequences    map[string]uint64 `json:"sequences"`
	ServerCursor string            `json:"server_cursor,omitempty"`
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{ServerCursor: s.ServerCursor}
	if s.Sequences != nil {
		out.Sequences = maps.Clone(s.Sequences)
	}
	return out
}

// Persister stores and loads checkpoint snapshots durably. FilePersister is
// the default; stores that already persist engine state can provide their
// own.
type Persister interface {
	SaveCheckpoint(s Snapshot) error
	LoadCheckpoint() (Snapshot, bool, error)
}

// Manager owns the in-memory checkpoint and its durable copy.
type Manager struct {
	mu        sync.Mutex
	current   Snapshot
	persister Persister
}

// NewManager creates a Manager, restoring the last durable snapshot when a
// persister is supplied. A nil persister keeps the checkpoint memory-only.
func NewManager(p Persister) (*Manager, error) {
	m := &Manager{
		current:   Snapshot{Sequences: make(map[string]uint64)},
		persister: p,
	}
	if p != nil {
		s, ok, err := p.LoadCheckpoint()
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			if s.Sequences == nil {
				s.Sequences = make(map[string]uint64)
			}
			m.current = s
		}
	}
	return m, nil
}

// Get returns a copy of the current snapshot.
func (m *Manager) Get() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// UpdateSequence raises the high-water mark for a collection. A sequence at
// or below the current value is a no-op: checkpoints never move backwards.
func (m *Manager) UpdateSequence(collection string, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.current.Sequences[collection] {
		return
	}
	m.current.Sequences[collection] = seq
}

// UpdateFromServer records the opaque cursor the server issued on the last
// pull.
func (m *Manager) UpdateFromServer(cursor string) {
	if cursor == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ServerCursor = cursor
}

// Save writes the current snapshot durably. The engine calls it once per
// applied batch, after every document in the batch is committed to the
// store.
func (m *Manager) Save() error {
	m.mu.Lock()
	snap := m.current.Clone()
	m.mu.Unlock()

	if m.persister == nil {
		return nil
	}
	return m.persister.SaveCheckpoint(snap)
}

// Reset discards in-memory progress and reloads the last durable snapshot.
// Used on rollback.
func (m *Manager) Reset() error {
	if m.persister == nil {
		m.mu.Lock()
		m.current = Snapshot{Sequences: make(map[string]uint64)}
		m.mu.Unlock()
		return nil
	}
	s, ok, err := m.persister.LoadCheckpoint()
	if err != nil {
		return err
	}
	if !ok {
		s = Snapshot{Sequences: make(map[string]uint64)}
	} else if s.Sequences == nil {
		s.Sequences = make(map[string]uint64)
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	return nil
}

// ─── File persistence ─────────────────────────────────────────────────────────

// FilePersister keeps the snapshot in a single JSON file, written via a
// temporary file and an atomic rename so a crash mid-write preserves the
// previous checkpoint.
type FilePersister struct {
	path string
}

func NewFilePersister(dir, engineInstance string) *FilePersister {
	return &FilePersister{path: filepath.Join(dir, engineInstance+".checkpoint.json")}
}

func (p *FilePersister) SaveCheckpoint(s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p.path)
}

func (p *FilePersister) LoadCheckpoint() (Snapshot, bool, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, false, err
	}
	return s, true, nil
}
