package protocol

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang/snappy"
	"github.com/josedab/pocket-go/internal/store"
)

// Columnar delta compression for change batches.
//
// Documents in one batch usually share a shape, so transmitting each record
// as a full JSON object repeats every key. Instead a stable schema (the
// sorted key set of the first record's document) is extracted once and the
// remaining documents travel as value arrays aligned to it. Keys a document
// lacks encode as an explicit absence marker, keys outside the schema ride
// in a per-record overflow map, so the transform is lossless. The result is
// snappy-encoded.
//
// Only the observable contract matters to peers: UnpackChanges(PackChanges(x))
// yields exactly x's change sequence.

type packedBatch struct {
	Schema  []string       `json:"schema"`
	Records []packedRecord `json:"records"`
}

type packedRecord struct {
	Collection string         `json:"c"`
	DocumentID string         `json:"d"`
	Operation  string         `json:"o"`
	Sequence   uint64         `json:"s,omitempty"`
	Timestamp  int64          `json:"t"`
	NodeID     string         `json:"n"`
	VClock     map[string]any `json:"v,omitempty"`
	FromSync   bool           `json:"f,omitempty"`

	// Values align to the batch schema; nil means the key is absent.
	Values []json.RawMessage `json:"vals,omitempty"`
	// Extra holds document keys outside the schema.
	Extra map[string]any `json:"extra,omitempty"`
	// Previous travels uncompressed; it is rare in batches.
	Previous store.Document `json:"prev,omitempty"`
	// NoDoc marks a record with no document at all (bare tombstone ack).
	NoDoc bool `json:"nodoc,omitempty"`
}

// PackChanges compresses a batch of change records.
func PackChanges(changes []ChangeRecord) ([]byte, error) {
	batch := packedBatch{Records: make([]packedRecord, 0, len(changes))}

	// Schema from the first record that carries a document.
	for _, ch := range changes {
		if ch.Document != nil {
			keys := make([]string, 0, len(ch.Document))
			for k := range ch.Document {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			batch.Schema = keys
			break
		}
	}

	for _, ch := range changes {
		rec := packedRecord{
			Collection: ch.Collection,
			DocumentID: ch.DocumentID,
			Operation:  ch.Operation,
			Sequence:   ch.Sequence,
			Timestamp:  ch.Timestamp,
			NodeID:     ch.NodeID,
			FromSync:   ch.FromSync,
			Previous:   ch.Previous,
		}
		if ch.VClock != nil {
			rec.VClock = make(map[string]any, len(ch.VClock))
			for node, cnt := range ch.VClock {
				rec.VClock[node] = cnt
			}
		}
		if ch.Document == nil {
			rec.NoDoc = true
		} else {
			rec.Values = make([]json.RawMessage, len(batch.Schema))
			inSchema := make(map[string]bool, len(batch.Schema))
			for i, key := range batch.Schema {
				inSchema[key] = true
				v, ok := ch.Document[key]
				if !ok {
					continue // stays nil: absent
				}
				raw, err := json.Marshal(v)
				if err != nil {
					return nil, fmt.Errorf("pack field %s: %w", key, err)
				}
				if string(raw) == "null" {
					// A null slot reads back as absent, so null values ride
					// in Extra instead.
					if rec.Extra == nil {
						rec.Extra = make(map[string]any)
					}
					rec.Extra[key] = v
					continue
				}
				rec.Values[i] = raw
			}
			for k, v := range ch.Document {
				if !inSchema[k] {
					if rec.Extra == nil {
						rec.Extra = make(map[string]any)
					}
					rec.Extra[k] = v
				}
			}
		}
		batch.Records = append(batch.Records, rec)
	}

	plain, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("pack batch: %w", err)
	}
	return snappy.Encode(nil, plain), nil
}

// UnpackChanges inverts PackChanges.
func UnpackChanges(data []byte) ([]ChangeRecord, error) {
	plain, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	var batch packedBatch
	if err := json.Unmarshal(plain, &batch); err != nil {
		return nil, fmt.Errorf("unpack batch: %w", err)
	}

	changes := make([]ChangeRecord, 0, len(batch.Records))
	for _, rec := range batch.Records {
		ch := ChangeRecord{
			Collection: rec.Collection,
			DocumentID: rec.DocumentID,
			Operation:  rec.Operation,
			Sequence:   rec.Sequence,
			Timestamp:  rec.Timestamp,
			NodeID:     rec.NodeID,
			FromSync:   rec.FromSync,
			Previous:   rec.Previous,
		}
		if rec.VClock != nil {
			ch.VClock = store.Document{store.FieldVClock: rec.VClock}.Clock()
		}
		if !rec.NoDoc {
			doc := make(store.Document, len(batch.Schema)+len(rec.Extra))
			for i, key := range batch.Schema {
				// Absent slots arrive as JSON null.
				if i >= len(rec.Values) || len(rec.Values[i]) == 0 || string(rec.Values[i]) == "null" {
					continue
				}
				var v any
				if err := json.Unmarshal(rec.Values[i], &v); err != nil {
					return nil, fmt.Errorf("unpack field %s: %w", key, err)
				}
				doc[key] = v
			}
			for k, v := range rec.Extra {
				doc[k] = v
			}
			ch.Document = doc
		}
		changes = append(changes, ch)
	}
	return changes, nil
}
