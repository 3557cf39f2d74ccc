// Package store contains the document store the sync core runs against.
//
// The sync engine only ever sees the Store and Collection interfaces: a way
// to list collections, read documents, subscribe to local change events, and
// apply remote changes. The embedded adapters behind those interfaces
// (in-memory here, WAL-backed in file.go, SQLite/IndexedDB/MMKV elsewhere)
// are interchangeable.
//
// Write paths and who owns them:
//
//  1. Application code writes through Put/Delete on the concrete store.
//     Those writes assign a revision, advance the local node's vector clock
//     entry, and publish a change event with from_sync=false. The sync
//     engine subscribes to exactly those events.
//
//  2. The sync engine writes through ApplyRemoteChange only. Remote
//     documents are stored as-is (their metadata already reflects their
//     origin) and the resulting event carries from_sync=true so the engine
//     does not re-echo its own applies back to the server.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/josedab/pocket-go/internal/observe"
	"github.com/josedab/pocket-go/internal/revision"
)

// Change operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change is the event a collection publishes for every write, and the shape
// ApplyRemoteChange consumes. Document and Previous are full post- and
// pre-states; for deletes Document is the metadata tombstone.
type Change struct {
	Operation  string   `json:"operation"`
	DocumentID string   `json:"document_id"`
	Document   Document `json:"document,omitempty"`
	Previous   Document `json:"previous_document,omitempty"`
	FromSync   bool     `json:"from_sync"`
	Timestamp  int64    `json:"timestamp"`
}

// Store is the surface the sync engine consumes. It holds a non-owning
// reference; the application owns the store's lifecycle.
type Store interface {
	ListCollections() []string
	Collection(name string) Collection
}

// Collection is one logical partition of documents.
type Collection interface {
	Name() string

	// Changes subscribes to this collection's write events. The cancel
	// function releases the subscription.
	Changes() (<-chan Change, func())

	// Get returns the live document, or nil when absent or tombstoned.
	Get(id string) Document

	// GetRaw returns the stored document including tombstones. Replication
	// needs deletes to be visible.
	GetRaw(id string) Document

	// ApplyRemoteChange applies a change that originated on another node.
	// Idempotent by (document_id, rev): re-applying a change whose revision
	// is already stored is a no-op.
	ApplyRemoteChange(ch Change) error
}

// ─── In-memory implementation ─────────────────────────────────────────────────

// Memory is the reference Store: a map per collection guarded by a RWMutex,
// many readers, one writer at a time.
type Memory struct {
	mu          sync.RWMutex
	nodeID      string
	collections map[string]*MemoryCollection
	nowMillis   func() int64
	persist     func(collection string, ch Change) error
}

// NewMemory creates an empty in-memory store for the given local node id.
func NewMemory(nodeID string) *Memory {
	return &Memory{
		nodeID:      nodeID,
		collections: make(map[string]*MemoryCollection),
		nowMillis:   func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow overrides the wall clock. Tests use it to pin updated_at values.
func (m *Memory) SetNow(now func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowMillis = now
	for _, c := range m.collections {
		c.nowMillis = now
	}
}

// NodeID returns the local replica id the store stamps into vector clocks.
func (m *Memory) NodeID() string { return m.nodeID }

// ListCollections returns the known collection names, sorted.
func (m *Memory) ListCollections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collection returns the named collection, creating it on first use.
func (m *Memory) Collection(name string) Collection {
	return m.collection(name)
}

func (m *Memory) collection(name string) *MemoryCollection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.collections[name]; ok {
		return c
	}
	c := &MemoryCollection{
		name:      name,
		nodeID:    m.nodeID,
		docs:      make(map[string]Document),
		changes:   observe.New[Change](),
		nowMillis: m.nowMillis,
		persist:   m.persist,
	}
	m.collections[name] = c
	return c
}

// Put writes application fields through the local write path. See
// MemoryCollection.Put.
func (m *Memory) Put(collection, id string, fields map[string]any) (Document, error) {
	return m.collection(collection).Put(id, fields)
}

// Delete tombstones a document through the local write path.
func (m *Memory) Delete(collection, id string) error {
	return m.collection(collection).Delete(id)
}

// restore places a document directly into a collection, bypassing the write
// path. Only crash recovery (snapshot load, WAL replay) uses it: entries are
// already durable and must not re-enter the WAL or the change feed.
func (m *Memory) restore(collection, id string, doc Document) {
	c := m.collection(collection)
	c.mu.Lock()
	c.docs[id] = doc
	c.mu.Unlock()
}

// snapshotData copies the full document state, per collection.
func (m *Memory) snapshotData() map[string]map[string]Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]Document, len(m.collections))
	for name, c := range m.collections {
		c.mu.RLock()
		docs := make(map[string]Document, len(c.docs))
		for id, doc := range c.docs {
			docs[id] = doc.Clone()
		}
		c.mu.RUnlock()
		out[name] = docs
	}
	return out
}

// Close shuts down every collection's change feed.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.collections {
		c.changes.Close()
	}
}

// MemoryCollection holds the documents of one collection.
type MemoryCollection struct {
	mu        sync.RWMutex
	name      string
	nodeID    string
	docs      map[string]Document
	changes   *observe.Observable[Change]
	nowMillis func() int64

	// persist, when set, is called with the change while the write lock is
	// held and BEFORE memory is mutated. An error aborts the write. This is
	// the WAL-first rule: durability precedes visibility.
	persist func(collection string, ch Change) error
}

func (c *MemoryCollection) Name() string { return c.name }

// Changes subscribes to the collection's write events.
func (c *MemoryCollection) Changes() (<-chan Change, func()) {
	return c.changes.Subscribe()
}

// Get returns the live document, hiding tombstones from normal reads.
func (c *MemoryCollection) Get(id string) Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	if !ok || doc.Deleted() {
		return nil
	}
	return doc.Clone()
}

// GetRaw returns the stored document exactly as it exists, tombstones
// included.
func (c *MemoryCollection) GetRaw(id string) Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.docs[id]
	if !ok {
		return nil
	}
	return doc.Clone()
}

// Put stores or updates a document with application fields.
//
// The local write path:
//
//  1. Merge fields over the existing document (absent keys survive).
//  2. Advance this node's vector clock entry.
//  3. Mint the next revision over the new content.
//  4. Publish the change event with from_sync=false.
//
// Fields may pre-set _updated_at; otherwise the store stamps the current
// wall clock.
func (c *MemoryCollection) Put(id string, fields map[string]any) (Document, error) {
	c.mu.Lock()

	existing := c.docs[id]
	operation := OpInsert
	doc := make(Document, len(fields)+4)
	if existing != nil {
		if !existing.Deleted() {
			operation = OpUpdate
		}
		for k, v := range existing {
			doc[k] = cloneValue(v)
		}
		doc.SetDeleted(false)
	}
	for k, v := range fields {
		doc[k] = cloneValue(v)
	}
	doc[FieldID] = id

	clock := existing.Clock().Copy() // empty clock when existing is nil
	clock.Increment(c.nodeID)
	doc.SetClock(clock)

	if _, ok := fields[FieldUpdatedAt]; !ok {
		doc.SetUpdatedAt(c.nowMillis())
	}

	seq := uint64(0)
	if existing != nil {
		if r, ok := revision.Parse(existing.Rev()); ok {
			seq = r.Seq
		}
	}
	doc.SetRev(revision.Mint(seq+1, doc.Content()))

	var previous Document
	if existing != nil {
		previous = existing.Clone()
	}
	ch := Change{
		Operation:  operation,
		DocumentID: id,
		Document:   doc.Clone(),
		Previous:   previous,
		FromSync:   false,
		Timestamp:  doc.UpdatedAt(),
	}
	if c.persist != nil {
		if err := c.persist(c.name, ch); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.docs[id] = doc
	stored := doc.Clone()
	c.mu.Unlock()

	c.changes.Publish(ch)
	return stored, nil
}

// Delete soft-deletes a document.
//
// The tombstone keeps id, revision, and vector clock so the delete can
// replicate; it sheds the application fields.
func (c *MemoryCollection) Delete(id string) error {
	c.mu.Lock()

	existing := c.docs[id]
	clock := existing.Clock().Copy()
	clock.Increment(c.nodeID)

	seq := uint64(0)
	if existing != nil {
		if r, ok := revision.Parse(existing.Rev()); ok {
			seq = r.Seq
		}
	}

	doc := Document{FieldID: id}
	doc.SetClock(clock)
	doc.SetDeleted(true)
	doc.SetUpdatedAt(c.nowMillis())
	doc.SetRev(revision.Mint(seq+1, doc.Content()))

	var previous Document
	if existing != nil {
		previous = existing.Clone()
	}
	ch := Change{
		Operation:  OpDelete,
		DocumentID: id,
		Document:   doc.Clone(),
		Previous:   previous,
		FromSync:   false,
		Timestamp:  doc.UpdatedAt(),
	}
	if c.persist != nil {
		if err := c.persist(c.name, ch); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.docs[id] = doc
	c.mu.Unlock()

	c.changes.Publish(ch)
	return nil
}

// ApplyRemoteChange stores a remote document as-is.
//
// Idempotence: if the stored revision already equals the incoming revision
// the change was applied before (crash replay, duplicate pull) and nothing
// happens. The published event carries from_sync=true.
func (c *MemoryCollection) ApplyRemoteChange(ch Change) error {
	if ch.Document == nil {
		return nil
	}
	id := ch.DocumentID
	if id == "" {
		id = ch.Document.ID()
	}

	c.mu.Lock()
	existing := c.docs[id]
	if existing != nil && existing.Rev() != "" && existing.Rev() == ch.Document.Rev() {
		c.mu.Unlock()
		return nil // duplicate apply is a no-op
	}

	doc := ch.Document.Clone()
	doc[FieldID] = id
	var previous Document
	if existing != nil {
		previous = existing.Clone()
	}
	event := Change{
		Operation:  ch.Operation,
		DocumentID: id,
		Document:   doc.Clone(),
		Previous:   previous,
		FromSync:   true,
		Timestamp:  ch.Timestamp,
	}
	if c.persist != nil {
		if err := c.persist(c.name, event); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.docs[id] = doc
	c.mu.Unlock()

	c.changes.Publish(event)
	return nil
}

// Len reports the number of stored documents, tombstones included.
func (c *MemoryCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// IDs returns every stored document id, tombstones included, sorted.
func (c *MemoryCollection) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
