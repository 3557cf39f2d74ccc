// Package vclock implements the vector clocks the sync core uses to track
// causality between replicas.
//
// Problem:
// Two replicas can update the same document while disconnected from each
// other. When their changes meet, we need a way to decide:
//
//  1. One version causally follows the other → keep the newer one
//  2. One version is causally older → discard it
//  3. Both were written independently → real conflict, hand to the resolver
//
// A vector clock answers exactly that question.
//
// Each document carries a map:
//
//	nodeID → counter
//
// Every local write increments the writing node's own counter. Comparing two
// clocks yields a partial order: we never force a single global order, we
// only capture what happened before what.
package vclock

import "maps"

// Relation tells us how two vector clocks relate to each other.
type Relation int

const (
	Before     Relation = iota // this clock is causally older
	After                      // this clock is causally newer
	Equal                      // identical histories
	Concurrent                 // neither dominates: true conflict
)

// String returns the comparison operator for a Relation.
func (r Relation) String() string {
	switch r {
	case Before:
		return "<"
	case After:
		return ">"
	case Equal:
		return "="
	default:
		return "||"
	}
}

// Clock is a map:
//
//	nodeID → logical counter
//
// Example:
//
//	{"node-a": 3, "node-b": 1}
//
// means node-a updated this document 3 times and node-b once. A missing key
// reads as zero, so {"a":1} and {"a":1,"b":0} describe the same history.
type Clock map[string]uint64

// Increment bumps the counter for a node. Called on every local write the
// node originates.
func (c Clock) Increment(nodeID string) {
	c[nodeID]++
}

// Compare determines how this clock relates to another clock.
//
// It checks whether either side has a counter strictly greater than the
// other's, reading missing keys as zero on both sides:
//
//  1. c strictly newer            → After
//  2. c strictly older            → Before
//  3. identical (modulo zeros)    → Equal
//  4. each dominates somewhere    → Concurrent
//
// Compare is total: nil clocks and missing keys never panic, they read as
// empty histories.
func (c Clock) Compare(other Clock) Relation {
	cDominates := false     // c has at least one counter > other
	otherDominates := false // other has at least one counter > c

	for node, cnt := range c {
		ocnt := other[node]
		if cnt > ocnt {
			cDominates = true
		} else if cnt < ocnt {
			otherDominates = true
		}
	}

	// Counters that exist only in other.
	for node, cnt := range other {
		if _, ok := c[node]; !ok && cnt > 0 {
			otherDominates = true
		}
	}

	switch {
	case !cDominates && !otherDominates:
		return Equal
	case cDominates && !otherDominates:
		return After
	case !cDominates && otherDominates:
		return Before
	default:
		return Concurrent
	}
}

// Merge combines two clocks, keeping the maximum counter per node.
//
// Merge never resolves a conflict by itself. It only records that the merged
// version has seen both histories, which is what a resolved document must
// carry so neither input can later "win" against it.
func (c Clock) Merge(other Clock) Clock {
	merged := c.Copy()
	for node, cnt := range other {
		if cnt > merged[node] {
			merged[node] = cnt
		}
	}
	return merged
}

// Copy creates a deep copy of the clock.
//
// Maps are reference types in Go. Without copying, a clock stored on a
// document and a clock held by the ledger could alias each other and
// corrupt causal history on the next increment.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	maps.Copy(out, c)
	return out
}

// Dropping zero counters first makes {"a":1,"b":0} equal to {"a":1}.
// Compare already reads missing keys as zero, so this is only needed by
// callers that require canonical key sets (wire encoding, tests).
func (c Clock) Compact() Clock {
	out := make(Clock, len(c))
	for node, cnt := range c {
		if cnt > 0 {
			out[node] = cnt
		}
	}
	return out
}
