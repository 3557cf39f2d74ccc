// Package revision parses and compares document revision strings.
//
// A revision has the form
//
//	<sequence>-<hash>
//
// e.g. "3-9f2c1ab4e0d77a10". The numeric sequence counts local generations of
// the document, the hash fingerprints the content of that generation.
// Revisions order by sequence first and hash second, which gives every
// replica the same total order over the revisions it has seen.
//
// A malformed revision is never an error. Parse reports ok=false and the
// caller falls back to vector-clock based decisions, which keeps the sync
// core tolerant of documents written by foreign implementations.
package revision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// revPattern accepts a non-negative decimal sequence, a dash, and an
// alphanumeric hash. Anything else is "unknown".
var revPattern = regexp.MustCompile(`^([0-9]+)-([A-Za-z0-9]+)$`)

// Rev is a parsed revision.
type Rev struct {
	Seq  uint64
	Hash string
}

// Parse splits and validates a revision string.
//
// ok is false for an empty string, a missing or empty hash, a non-numeric or
// negative sequence, and a sequence that overflows uint64. The caller must
// treat ok=false as "format unknown", not as corruption.
func Parse(s string) (Rev, bool) {
	m := revPattern.FindStringSubmatch(s)
	if m == nil {
		return Rev{}, false
	}
	seq, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		// Matched the pattern but overflowed the sequence range.
		return Rev{}, false
	}
	return Rev{Seq: seq, Hash: m[2]}, true
}

// String formats the revision back to its wire form.
func (r Rev) String() string {
	return strconv.FormatUint(r.Seq, 10) + "-" + r.Hash
}

// Compare orders two revisions: numeric sequence first, lexical hash second.
// Returns -1, 0, or +1.
func Compare(a, b Rev) int {
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return strings.Compare(a.Hash, b.Hash)
}

// CompareStrings parses both sides and compares them. ok is false when either
// side fails to parse, in which case the result is meaningless and the caller
// must decide by vector clock instead.
func CompareStrings(a, b string) (cmp int, ok bool) {
	ra, okA := Parse(a)
	rb, okB := Parse(b)
	if !okA || !okB {
		return 0, false
	}
	return Compare(ra, rb), true
}

// Mint builds the revision string for a new generation of content.
//
// The hash covers the document fields in key order so that two replicas
// minting the same sequence over identical content produce identical
// revisions. Internal metadata keys (underscore-prefixed) are excluded: the
// revision fingerprints user content, not bookkeeping.
func Mint(seq uint64, content map[string]any) string {
	return fmt.Sprintf("%d-%s", seq, ContentHash(content))
}

// ContentHash fingerprints the non-internal fields of a document.
func ContentHash(content map[string]any) string {
	keys := make([]string, 0, len(content))
	for k := range content {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		// json.Marshal of a scalar or map is deterministic (map keys are
		// sorted), which is all the hash needs.
		b, err := json.Marshal(content[k])
		if err != nil {
			b = []byte(fmt.Sprintf("%v", content[k]))
		}
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
