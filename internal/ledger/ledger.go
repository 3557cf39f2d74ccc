// Package ledger records local changes that are awaiting server
// acknowledgement: the optimistic-update ledger.
//
// Every local write enters as a pending entry. The sync engine drains
// pending entries in FIFO order into push batches, flipping them to
// in-flight; a push-ack marks them synced, a server rejection marks them
// rejected, and a rollback restores the pre-change document. Synced entries
// linger for a retention window so pulled self-echoes can be recognised and
// suppressed, then they are purged.
//
// Invariants:
//
//   - per (collection, document) at most one entry is in-flight at a time
//   - push order equals insertion order (FIFO)
//   - acknowledging an unknown id is a silent no-op: after a crash between
//     send and ack, the server's copy of the change comes back on the next
//     pull and is recognised as a self-echo instead
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/josedab/pocket-go/internal/protocol"
	"github.com/josedab/pocket-go/internal/store"
)

// Status of a ledger entry.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusRejected Status = "rejected"
)

// DefaultRetention bounds how long synced and rejected entries are kept. It
// matches the circuit breaker's default reset timeout: an echo can only
// arrive while the engine is still in a plausible retry window.
const DefaultRetention = 30 * time.Second

// Entry is one optimistic update.
type Entry struct {
	ID         string                `json:"id"`
	Collection string                `json:"collection"`
	Change     protocol.ChangeRecord `json:"change"`
	Previous   store.Document        `json:"previous_document,omitempty"`
	Status     Status                `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	CreatedAt  int64                 `json:"created_at"`
	ResolvedAt int64                 `json:"resolved_at,omitempty"`
}

func (e *Entry) clone() *Entry {
	out := *e
	out.Previous = e.Previous.Clone()
	return &out
}

// docKey identifies a document within a collection.
func docKey(collection, docID string) string {
	return collection + "/" + docID
}

// Ledger owns the entries. All methods are safe for concurrent use; the
// engine serialises its own access anyway.
type Ledger struct {
	mu        sync.Mutex
	order     []string          // entry ids, FIFO
	entries   map[string]*Entry // id → entry
	inFlight  map[string]string // collection/doc → entry id
	retention time.Duration
	nowMillis func() int64
	log       *fileLog // nil for memory-only ledgers
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention overrides the synced/rejected retention window.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// WithNow overrides the wall clock, for tests.
func WithNow(now func() int64) Option {
	return func(l *Ledger) { l.nowMillis = now }
}

// New creates a memory-only ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries:   make(map[string]*Entry),
		inFlight:  make(map[string]string),
		retention: DefaultRetention,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open creates a durable ledger backed by an append-only NDJSON log under
// dir. Entries from a previous run are replayed; in-flight entries reset to
// pending, because after a crash nothing is actually on the wire anymore.
func Open(dir, engineInstance string, opts ...Option) (*Ledger, error) {
	l := New(opts...)
	log, err := openFileLog(dir, engineInstance)
	if err != nil {
		return nil, fmt.Errorf("open ledger log: %w", err)
	}
	l.log = log

	records, err := log.readAll()
	if err != nil {
		return nil, fmt.Errorf("replay ledger log: %w", err)
	}
	for _, rec := range records {
		switch rec.Op {
		case logPut:
			e := rec.Entry
			if e == nil {
				continue
			}
			if e.Status == StatusInFlight {
				e.Status = StatusPending
			}
			if _, known := l.entries[e.ID]; !known {
				l.order = append(l.order, e.ID)
			}
			l.entries[e.ID] = e
		case logRemove:
			l.removeLocked(rec.ID)
		}
	}
	l.purgeLocked()

	// Compact: the replayed state becomes the new baseline.
	if err := log.rewrite(l.snapshotLocked()); err != nil {
		return nil, fmt.Errorf("compact ledger log: %w", err)
	}
	return l, nil
}

// Close releases the durable log, if any.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.log == nil {
		return nil
	}
	return l.log.close()
}

// Add records a new optimistic update as pending.
func (l *Ledger) Add(collection string, change protocol.ChangeRecord, previous store.Document) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()

	e := &Entry{
		ID:         uuid.NewString(),
		Collection: collection,
		Change:     change,
		Previous:   previous.Clone(),
		Status:     StatusPending,
		CreatedAt:  l.nowMillis(),
	}
	l.entries[e.ID] = e
	l.order = append(l.order, e.ID)
	if err := l.persistPut(e); err != nil {
		l.removeLocked(e.ID)
		return nil, err
	}
	return e.clone(), nil
}

// PendingSync returns pending entries in FIFO order, at most limit (0 means
// no bound). Entries whose document already has an in-flight entry are
// skipped so the single-in-flight invariant survives the subsequent
// MarkInFlight calls.
func (l *Ledger) PendingSync(limit int) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()

	var out []*Entry
	claimed := make(map[string]bool)
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil || e.Status != StatusPending {
			continue
		}
		key := docKey(e.Collection, e.Change.DocumentID)
		if _, busy := l.inFlight[key]; busy || claimed[key] {
			continue
		}
		claimed[key] = true
		out = append(out, e.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// PendingForCollection is PendingSync restricted to one collection: the
// engine drains push batches per collection.
func (l *Ledger) PendingForCollection(collection string, limit int) []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()

	var out []*Entry
	claimed := make(map[string]bool)
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil || e.Status != StatusPending || e.Collection != collection {
			continue
		}
		key := docKey(e.Collection, e.Change.DocumentID)
		if _, busy := l.inFlight[key]; busy || claimed[key] {
			continue
		}
		claimed[key] = true
		out = append(out, e.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// FindPending returns the oldest live (pending or in-flight) entry for a
// document, if any. Pull-side conflict detection consults it.
func (l *Ledger) FindPending(collection, docID string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil || e.Collection != collection || e.Change.DocumentID != docID {
			continue
		}
		if e.Status == StatusPending || e.Status == StatusInFlight {
			return e.clone(), true
		}
	}
	return nil, false
}

// Remove drops an entry outright (conflict resolution superseded it).
func (l *Ledger) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
	_ = l.persistRemove(id)
}

// ReleaseEntry flips one in-flight entry back to pending.
func (l *Ledger) ReleaseEntry(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.Status != StatusInFlight {
		return
	}
	e.Status = StatusPending
	delete(l.inFlight, docKey(e.Collection, e.Change.DocumentID))
	_ = l.persistPut(e)
}

// MarkInFlight transitions an entry to in-flight. It fails when another
// entry for the same document is already on the wire.
func (l *Ledger) MarkInFlight(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return fmt.Errorf("ledger: unknown entry %s", id)
	}
	if e.Status != StatusPending {
		return fmt.Errorf("ledger: entry %s is %s, not pending", id, e.Status)
	}
	key := docKey(e.Collection, e.Change.DocumentID)
	if other, busy := l.inFlight[key]; busy && other != id {
		return fmt.Errorf("ledger: document %s already has in-flight entry %s", key, other)
	}
	e.Status = StatusInFlight
	l.inFlight[key] = id
	return l.persistPut(e)
}

// MarkSynced acknowledges an entry. Unknown ids are silently ignored (see
// the package comment). The entry is kept as synced until retention
// expires, so pulled self-echoes can still be matched.
func (l *Ledger) MarkSynced(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return
	}
	delete(l.inFlight, docKey(e.Collection, e.Change.DocumentID))
	e.Status = StatusSynced
	e.ResolvedAt = l.nowMillis()
	_ = l.persistPut(e)
	l.purgeLocked()
}

// Reject marks an entry rejected with a reason. Rejected entries must be
// handled (rolled back or re-submitted) within the retention window or they
// are dropped.
func (l *Ledger) Reject(id, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[id]
	if !ok {
		return
	}
	delete(l.inFlight, docKey(e.Collection, e.Change.DocumentID))
	e.Status = StatusRejected
	e.Reason = reason
	e.ResolvedAt = l.nowMillis()
	_ = l.persistPut(e)
}

// Rollback restores the entry's previous document into the collection and
// removes the entry. An entry without a previous document (the change was an
// insert) rolls back by tombstoning the document.
func (l *Ledger) Rollback(id string, col store.Collection) error {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("ledger: unknown entry %s", id)
	}
	entry := e.clone()
	l.removeLocked(id)
	_ = l.persistRemove(id)
	l.mu.Unlock()

	ch := store.Change{
		DocumentID: entry.Change.DocumentID,
		FromSync:   true,
		Timestamp:  l.nowMillis(),
	}
	if entry.Previous != nil {
		ch.Operation = store.OpUpdate
		ch.Document = entry.Previous
	} else {
		ch.Operation = store.OpDelete
		tomb := store.Document{store.FieldID: entry.Change.DocumentID}
		tomb.SetDeleted(true)
		if entry.Change.Document != nil {
			tomb.SetRev(entry.Change.Document.Rev() + "-rollback")
		}
		ch.Document = tomb
	}
	return col.ApplyRemoteChange(ch)
}

// Release flips every in-flight entry back to pending. Called on forced
// disconnect and during crash recovery: the wire is gone, the changes are
// not.
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, id := range l.inFlight {
		if e, ok := l.entries[id]; ok && e.Status == StatusInFlight {
			e.Status = StatusPending
			_ = l.persistPut(e)
		}
		delete(l.inFlight, key)
	}
}

// MatchSyncedEcho reports whether a pulled change is the echo of an entry
// this node already pushed: a synced entry for the same document whose
// change carries the same revision, still within retention.
func (l *Ledger) MatchSyncedEcho(collection, docID, rev string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purgeLocked()

	for _, id := range l.order {
		e := l.entries[id]
		if e == nil || e.Status != StatusSynced {
			continue
		}
		if e.Collection == collection && e.Change.DocumentID == docID &&
			e.Change.Document != nil && e.Change.Document.Rev() == rev {
			return true
		}
	}
	return false
}

// Get returns a copy of an entry.
func (l *Ledger) Get(id string) (*Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Entries returns copies of all live entries in FIFO order.
func (l *Ledger) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, 0, len(l.order))
	for _, id := range l.order {
		if e := l.entries[id]; e != nil {
			out = append(out, e.clone())
		}
	}
	return out
}

// PendingCount reports how many pending entries a collection has.
func (l *Ledger) PendingCount(collection string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.Collection == collection && e.Status == StatusPending {
			n++
		}
	}
	return n
}

// CollectionsWithPending lists collections that have pending entries.
func (l *Ledger) CollectionsWithPending() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range l.order {
		e := l.entries[id]
		if e == nil || e.Status != StatusPending || seen[e.Collection] {
			continue
		}
		seen[e.Collection] = true
		out = append(out, e.Collection)
	}
	return out
}

// ─── internal ─────────────────────────────────────────────────────────────────

func (l *Ledger) removeLocked(id string) {
	e, ok := l.entries[id]
	if !ok {
		return
	}
	delete(l.entries, id)
	key := docKey(e.Collection, e.Change.DocumentID)
	if l.inFlight[key] == id {
		delete(l.inFlight, key)
	}
	for i, oid := range l.order {
		if oid == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// purgeLocked drops synced and rejected entries past retention.
func (l *Ledger) purgeLocked() {
	if l.retention <= 0 {
		return
	}
	cutoff := l.nowMillis() - l.retention.Milliseconds()
	var expired []string
	for id, e := range l.entries {
		if (e.Status == StatusSynced || e.Status == StatusRejected) &&
			e.ResolvedAt > 0 && e.ResolvedAt <= cutoff {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		l.removeLocked(id)
		_ = l.persistRemove(id)
	}
}

func (l *Ledger) snapshotLocked() []*Entry {
	out := make([]*Entry, 0, len(l.order))
	for _, id := range l.order {
		if e := l.entries[id]; e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (l *Ledger) persistPut(e *Entry) error {
	if l.log == nil {
		return nil
	}
	return l.log.append(logRecord{Op: logPut, ID: e.ID, Entry: e})
}

func (l *Ledger) persistRemove(id string) error {
	if l.log == nil {
		return nil
	}
	return l.log.append(logRecord{Op: logRemove, ID: id})
}
