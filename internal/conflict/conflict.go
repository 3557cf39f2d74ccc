// Package conflict decides whether two versions of a document are in
// conflict and, if so, produces a single resolved document under the
// configured strategy.
//
// Detection prefers causal evidence over heuristics: equal revisions mean
// equal documents, vector clocks decide when both sides carry them, and the
// revision codec only breaks ties when clocks are unavailable. A document
// whose revision does not parse is treated as "format unknown" and never
// conflicts on revision grounds alone; that leniency is deliberate so
// clock-based decisions still fire for documents written by foreign
// implementations.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/josedab/pocket-go/internal/revision"
	"github.com/josedab/pocket-go/internal/store"
	"github.com/josedab/pocket-go/internal/vclock"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	ServerWins    Strategy = "server-wins"
	ClientWins    Strategy = "client-wins"
	LastWriteWins Strategy = "last-write-wins"
	Merge         Strategy = "merge"
	Custom        Strategy = "custom"
)

// Winner reports which side the resolved document came from.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
)

// Resolution is the outcome of resolving one conflict. NeedsManual is
// reserved for strategies the core cannot decide; it is always false for the
// built-ins.
type Resolution struct {
	Document    store.Document
	Winner      Winner
	NeedsManual bool
}

// MergeFunc is the contract a custom strategy implements: produce the
// resolved document from the two sides and the common base (nil when no base
// is known). Implementations must not mutate their inputs.
type MergeFunc func(local, remote, base store.Document) (store.Document, error)

// Detect reports whether local and remote are concurrent versions that need
// resolution.
//
// The ladder, in order:
//
//  1. equal revisions → same document, no conflict
//  2. both carry vector clocks → conflict iff the clocks are concurrent
//  3. exactly one side has a revision → conflict
//  4. both revisions parse with the same sequence but differ → conflict
//  5. otherwise → no conflict
func Detect(local, remote store.Document) bool {
	if local == nil || remote == nil {
		return false
	}

	lrev, rrev := local.Rev(), remote.Rev()
	if lrev == rrev {
		return false
	}

	lc, rc := local.Clock(), remote.Clock()
	if len(lc) > 0 && len(rc) > 0 {
		return lc.Compare(rc) == vclock.Concurrent
	}

	if (lrev == "") != (rrev == "") {
		return true
	}

	lr, lok := revision.Parse(lrev)
	rr, rok := revision.Parse(rrev)
	if lok && rok && lr.Seq == rr.Seq {
		return true // same generation, different content
	}

	return false
}

// Resolver produces resolved documents under one strategy.
type Resolver struct {
	strategy  Strategy
	mergeFunc MergeFunc
	nowMillis func() int64
}

// NewResolver creates a Resolver. Custom requires a MergeFunc.
func NewResolver(strategy Strategy, mergeFunc MergeFunc) (*Resolver, error) {
	switch strategy {
	case ServerWins, ClientWins, LastWriteWins, Merge:
	case Custom:
		if mergeFunc == nil {
			return nil, fmt.Errorf("custom conflict strategy requires a merge callback")
		}
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}
	return &Resolver{
		strategy:  strategy,
		mergeFunc: mergeFunc,
		nowMillis: func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetNow overrides the wall clock used to stamp merged documents.
func (r *Resolver) SetNow(now func() int64) { r.nowMillis = now }

// Resolve produces the resolved document for a detected conflict. base is
// the common ancestor when one is known (the optimistic update's previous
// document), nil otherwise. Inputs are never mutated.
func (r *Resolver) Resolve(local, remote, base store.Document) (Resolution, error) {
	switch r.strategy {
	case ServerWins:
		return Resolution{Document: remote.Clone(), Winner: WinnerRemote}, nil
	case ClientWins:
		return Resolution{Document: local.Clone(), Winner: WinnerLocal}, nil
	case LastWriteWins:
		if localWinsLWW(local, remote) {
			return Resolution{Document: local.Clone(), Winner: WinnerLocal}, nil
		}
		return Resolution{Document: remote.Clone(), Winner: WinnerRemote}, nil
	case Merge:
		return r.merge(local, remote, base), nil
	case Custom:
		doc, err := r.mergeFunc(local.Clone(), remote.Clone(), base.Clone())
		if err != nil {
			return Resolution{}, fmt.Errorf("custom merge: %w", err)
		}
		return Resolution{Document: doc, Winner: WinnerMerged}, nil
	}
	return Resolution{}, fmt.Errorf("unknown conflict strategy %q", r.strategy)
}

// localWinsLWW applies last-write-wins: larger updated_at wins, ties break
// by strict vector-clock dominance, and the server side wins when nothing
// else decides.
func localWinsLWW(local, remote store.Document) bool {
	lt, rt := local.UpdatedAt(), remote.UpdatedAt()
	if lt != rt {
		return lt > rt
	}
	return local.Clock().Compare(remote.Clock()) == vclock.After
}

// merge builds a field-by-field resolution.
//
// For each non-internal field: with a known base, the side that changed
// relative to the base wins; if both changed, last-write-wins per field.
// With no base, last-write-wins per field. Tombstones cannot be merged
// field-wise, so a deletion on either side falls back to whole-document LWW.
func (r *Resolver) merge(local, remote, base store.Document) Resolution {
	if local.Deleted() || remote.Deleted() {
		if localWinsLWW(local, remote) {
			return Resolution{Document: local.Clone(), Winner: WinnerLocal}
		}
		return Resolution{Document: remote.Clone(), Winner: WinnerRemote}
	}

	localNewer := localWinsLWW(local, remote)
	merged := make(store.Document)

	fields := make(map[string]struct{})
	for k := range local.Content() {
		fields[k] = struct{}{}
	}
	for k := range remote.Content() {
		fields[k] = struct{}{}
	}

	for field := range fields {
		lv, lok := local[field]
		rv, rok := remote[field]

		switch {
		case !lok:
			merged[field] = rv
		case !rok:
			merged[field] = lv
		case valuesEqual(lv, rv):
			merged[field] = lv
		case base != nil:
			bv := base[field]
			localChanged := !valuesEqual(lv, bv)
			remoteChanged := !valuesEqual(rv, bv)
			switch {
			case localChanged && !remoteChanged:
				merged[field] = lv
			case remoteChanged && !localChanged:
				merged[field] = rv
			default:
				// Both changed: last write wins per field.
				merged[field] = pickLWW(lv, rv, localNewer)
			}
		default:
			merged[field] = pickLWW(lv, rv, localNewer)
		}
	}

	out := store.Document(merged).Clone()
	out[store.FieldID] = local.ID()
	out.SetClock(local.Clock().Merge(remote.Clock()))
	out.SetUpdatedAt(r.nowMillis())

	seq := uint64(0)
	if lr, ok := revision.Parse(local.Rev()); ok && lr.Seq > seq {
		seq = lr.Seq
	}
	if rr, ok := revision.Parse(remote.Rev()); ok && rr.Seq > seq {
		seq = rr.Seq
	}
	out.SetRev(revision.Mint(seq+1, out.Content()))

	return Resolution{Document: out, Winner: WinnerMerged}
}

func pickLWW(localVal, remoteVal any, localNewer bool) any {
	if localNewer {
		return localVal
	}
	return remoteVal
}

// valuesEqual compares two field values the way the wire would: by their
// JSON encodings, so int64(3) and float64(3) from a decode round-trip
// compare equal.
func valuesEqual(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
