package protocol

import (
	"github.com/josedab/pocket-go/internal/store"
	"github.com/josedab/pocket-go/internal/vclock"
)

// ChangeRecord is the unit exchanged across the wire: one insert, update, or
// delete of one document.
//
// Sequence is server-assigned per (collection, node) and appears only on
// changes the server has accepted; a locally-originated record carries zero
// until then. FromSync tells the receiving store the change originates
// remotely so it is not echoed back into the push pipeline.
type ChangeRecord struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Operation  string         `json:"operation"`
	Document   store.Document `json:"document,omitempty"`
	Previous   store.Document `json:"previous_document,omitempty"`
	Sequence   uint64         `json:"sequence,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	NodeID     string         `json:"node_id"`
	VClock     vclock.Clock   `json:"vclock,omitempty"`
	FromSync   bool           `json:"from_sync,omitempty"`
}

// FromStoreChange normalizes a local store event into a wire record.
func FromStoreChange(collection, nodeID string, ch store.Change) ChangeRecord {
	rec := ChangeRecord{
		Collection: collection,
		DocumentID: ch.DocumentID,
		Operation:  ch.Operation,
		Timestamp:  ch.Timestamp,
		NodeID:     nodeID,
		FromSync:   ch.FromSync,
	}
	if ch.Document != nil {
		rec.Document = ch.Document.Clone()
		rec.VClock = ch.Document.Clock()
	}
	if ch.Previous != nil {
		rec.Previous = ch.Previous.Clone()
	}
	return rec
}

// ToStoreChange converts a wire record back into the store's change shape.
// from_sync is forced true: everything arriving over the wire is remote.
func (r ChangeRecord) ToStoreChange() store.Change {
	ch := store.Change{
		Operation:  r.Operation,
		DocumentID: r.DocumentID,
		FromSync:   true,
		Timestamp:  r.Timestamp,
	}
	if r.Document != nil {
		ch.Document = r.Document.Clone()
	}
	if r.Previous != nil {
		ch.Previous = r.Previous.Clone()
	}
	return ch
}
