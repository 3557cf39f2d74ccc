package store

import (
	"strings"

	"github.com/josedab/pocket-go/internal/vclock"
)

// Metadata keys reserved on every document. Underscore-prefixed keys are
// internal: they are carried across the wire but excluded from content
// hashing and field-level merging. The id is application-visible and stable
// for the life of the document.
const (
	FieldID        = "id"
	FieldRev       = "_rev"
	FieldUpdatedAt = "_updated_at"
	FieldVClock    = "_vclock"
	FieldDeleted   = "_deleted"
)

// Document is the type-erased record the sync boundary operates on: the
// application's fields plus the reserved metadata keys above. Collections in
// the application layer may be strongly typed; by the time a document reaches
// the sync core it is always this shape, because that is what crosses the
// wire.
type Document map[string]any

// ID returns the stable document id, or "" if unset.
func (d Document) ID() string {
	s, _ := d[FieldID].(string)
	return s
}

// Rev returns the revision string, or "" if the document has never been
// written through a revision-assigning store.
func (d Document) Rev() string {
	s, _ := d[FieldRev].(string)
	return s
}

func (d Document) SetRev(rev string) { d[FieldRev] = rev }

// UpdatedAt returns the advisory wall-clock timestamp in milliseconds.
// Documents decoded from JSON carry it as float64; both forms are accepted.
func (d Document) UpdatedAt() int64 {
	switch v := d[FieldUpdatedAt].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func (d Document) SetUpdatedAt(ms int64) { d[FieldUpdatedAt] = ms }

// Clock returns the document's vector clock, tolerating every representation
// a JSON round-trip can produce. A document without a clock yields nil.
func (d Document) Clock() vclock.Clock {
	switch v := d[FieldVClock].(type) {
	case vclock.Clock:
		return v
	case map[string]uint64:
		return vclock.Clock(v)
	case map[string]any:
		c := make(vclock.Clock, len(v))
		for node, raw := range v {
			switch n := raw.(type) {
			case float64:
				c[node] = uint64(n)
			case int64:
				c[node] = uint64(n)
			case int:
				c[node] = uint64(n)
			case uint64:
				c[node] = n
			}
		}
		return c
	}
	return nil
}

func (d Document) SetClock(c vclock.Clock) { d[FieldVClock] = c }

// Deleted reports whether this document is a tombstone.
func (d Document) Deleted() bool {
	b, _ := d[FieldDeleted].(bool)
	return b
}

func (d Document) SetDeleted(deleted bool) {
	if deleted {
		d[FieldDeleted] = true
	} else {
		delete(d, FieldDeleted)
	}
}

// Content returns the application fields of the document: everything except
// internal (underscore-prefixed) metadata. The id is part of the content.
func (d Document) Content() map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		if strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// Clone deep-copies the document. Published documents and change records are
// value types; cloning at the boundary is what keeps them immutable.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Document:
		return map[string]any(t.Clone())
	case vclock.Clock:
		return t.Copy()
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
