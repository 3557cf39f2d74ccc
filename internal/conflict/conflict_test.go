package conflict

import (
	"testing"

	"github.com/josedab/pocket-go/internal/revision"
	"github.com/josedab/pocket-go/internal/store"
	"github.com/josedab/pocket-go/internal/vclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(rev string, clock vclock.Clock, updatedAt int64, fields map[string]any) store.Document {
	d := store.Document{store.FieldID: "t1"}
	for k, v := range fields {
		d[k] = v
	}
	if rev != "" {
		d.SetRev(rev)
	}
	if clock != nil {
		d.SetClock(clock)
	}
	if updatedAt != 0 {
		d.SetUpdatedAt(updatedAt)
	}
	return d
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name          string
		local, remote store.Document
		want          bool
	}{
		{
			"equal revisions",
			doc("2-abc", vclock.Clock{"a": 2}, 0, nil),
			doc("2-abc", vclock.Clock{"b": 9}, 0, nil),
			false,
		},
		{
			"concurrent clocks",
			doc("2-abc", vclock.Clock{"a": 2}, 0, nil),
			doc("2-def", vclock.Clock{"b": 1}, 0, nil),
			true,
		},
		{
			"ordered clocks",
			doc("2-abc", vclock.Clock{"a": 2}, 0, nil),
			doc("3-def", vclock.Clock{"a": 2, "b": 1}, 0, nil),
			false,
		},
		{
			"exactly one revision",
			doc("2-abc", nil, 0, nil),
			doc("", nil, 0, nil),
			true,
		},
		{
			"same sequence different hash, no clocks",
			doc("2-abc", nil, 0, nil),
			doc("2-def", nil, 0, nil),
			true,
		},
		{
			"different sequences, no clocks",
			doc("2-abc", nil, 0, nil),
			doc("3-def", nil, 0, nil),
			false,
		},
		{
			"unknown revision format falls through to no conflict",
			doc("not-a-rev!", nil, 0, nil),
			doc("also bogus", nil, 0, nil),
			false,
		},
		{
			"unknown format with clocks still decides by clock",
			doc("bogus rev", vclock.Clock{"a": 1}, 0, nil),
			doc("other bogus", vclock.Clock{"b": 1}, 0, nil),
			true,
		},
		{"nil local", nil, doc("1-a", nil, 0, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.local, tt.remote))
		})
	}
}

func TestNewResolverValidation(t *testing.T) {
	_, err := NewResolver(Custom, nil)
	assert.Error(t, err, "custom strategy needs a callback")

	_, err = NewResolver("majority-vote", nil)
	assert.Error(t, err)

	r, err := NewResolver(LastWriteWins, nil)
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestResolveTrivialStrategies(t *testing.T) {
	local := doc("2-abc", vclock.Clock{"a": 2}, 100, map[string]any{"title": "local"})
	remote := doc("2-def", vclock.Clock{"b": 1}, 200, map[string]any{"title": "remote"})

	r, _ := NewResolver(ServerWins, nil)
	res, err := r.Resolve(local, remote, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
	assert.Equal(t, "remote", res.Document["title"])
	assert.False(t, res.NeedsManual)

	r, _ = NewResolver(ClientWins, nil)
	res, err = r.Resolve(local, remote, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.Equal(t, "local", res.Document["title"])
}

func TestResolveLastWriteWins(t *testing.T) {
	r, _ := NewResolver(LastWriteWins, nil)

	newer := doc("2-abc", vclock.Clock{"a": 2}, 200, map[string]any{"title": "newer"})
	older := doc("2-def", vclock.Clock{"b": 1}, 100, map[string]any{"title": "older"})

	res, err := r.Resolve(newer, older, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)

	res, err = r.Resolve(older, newer, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)

	// Equal timestamps: strict clock dominance breaks the tie.
	dominant := doc("3-abc", vclock.Clock{"a": 2, "b": 1}, 100, nil)
	dominated := doc("2-def", vclock.Clock{"a": 1, "b": 1}, 100, nil)
	res, err = r.Resolve(dominant, dominated, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)

	// Equal timestamps, concurrent clocks: server wins.
	concA := doc("2-abc", vclock.Clock{"a": 1}, 100, nil)
	concB := doc("2-def", vclock.Clock{"b": 1}, 100, nil)
	res, err = r.Resolve(concA, concB, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerRemote, res.Winner)
}

func TestResolveMergeWithBase(t *testing.T) {
	base := doc("1-aaa", vclock.Clock{"a": 1}, 50,
		map[string]any{"title": "Buy milk", "completed": false})
	// Local changed only the title, at t=200.
	local := doc("2-bbb", vclock.Clock{"a": 2}, 200,
		map[string]any{"title": "Buy milk and bread", "completed": false})
	// Remote changed only completed, at t=100.
	remote := doc("2-ccc", vclock.Clock{"a": 1, "b": 1}, 100,
		map[string]any{"title": "Buy milk", "completed": true})

	r, _ := NewResolver(Merge, nil)
	r.SetNow(func() int64 { return 999 })

	res, err := r.Resolve(local, remote, base)
	require.NoError(t, err)
	assert.Equal(t, WinnerMerged, res.Winner)

	// Each single-sided edit survives.
	assert.Equal(t, "Buy milk and bread", res.Document["title"])
	assert.Equal(t, true, res.Document["completed"])

	// Metadata: merged clock, fresh timestamp, minted revision.
	assert.Equal(t, vclock.Clock{"a": 2, "b": 1}, res.Document.Clock())
	assert.Equal(t, int64(999), res.Document.UpdatedAt())
	rev, ok := revision.Parse(res.Document.Rev())
	require.True(t, ok)
	assert.Equal(t, uint64(3), rev.Seq, "minted sequence is max(parsed)+1")
}

func TestResolveMergeBothChangedFallsBackToLWW(t *testing.T) {
	base := doc("1-aaa", nil, 50, map[string]any{"title": "Buy milk"})
	local := doc("2-bbb", vclock.Clock{"a": 2}, 200, map[string]any{"title": "local title"})
	remote := doc("2-ccc", vclock.Clock{"b": 1}, 100, map[string]any{"title": "remote title"})

	r, _ := NewResolver(Merge, nil)
	res, err := r.Resolve(local, remote, base)
	require.NoError(t, err)
	assert.Equal(t, "local title", res.Document["title"], "later write wins the contested field")
}

func TestResolveMergeNoBase(t *testing.T) {
	local := doc("2-bbb", vclock.Clock{"a": 2}, 100,
		map[string]any{"title": "local", "priority": float64(1)})
	remote := doc("2-ccc", vclock.Clock{"b": 1}, 200,
		map[string]any{"title": "remote", "assignee": "bob"})

	r, _ := NewResolver(Merge, nil)
	res, err := r.Resolve(local, remote, nil)
	require.NoError(t, err)

	assert.Equal(t, "remote", res.Document["title"], "contested field goes to the later write")
	assert.Equal(t, float64(1), res.Document["priority"], "one-sided fields survive")
	assert.Equal(t, "bob", res.Document["assignee"])
}

func TestResolveMergeTombstoneFallsBackToLWW(t *testing.T) {
	local := doc("2-bbb", vclock.Clock{"a": 2}, 200, map[string]any{"title": "still here"})
	remote := doc("2-ccc", vclock.Clock{"b": 1}, 100, nil)
	remote.SetDeleted(true)

	r, _ := NewResolver(Merge, nil)
	res, err := r.Resolve(local, remote, nil)
	require.NoError(t, err)
	assert.Equal(t, WinnerLocal, res.Winner)
	assert.False(t, res.Document.Deleted())
}

func TestResolveCustom(t *testing.T) {
	called := false
	fn := func(local, remote, base store.Document) (store.Document, error) {
		called = true
		out := local.Clone()
		out["title"] = "custom"
		return out, nil
	}

	r, err := NewResolver(Custom, fn)
	require.NoError(t, err)

	local := doc("2-bbb", nil, 100, map[string]any{"title": "local"})
	remote := doc("2-ccc", nil, 200, map[string]any{"title": "remote"})
	res, err := r.Resolve(local, remote, nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, WinnerMerged, res.Winner)
	assert.Equal(t, "custom", res.Document["title"])
}

func TestResolveNeverMutatesInputs(t *testing.T) {
	local := doc("2-bbb", vclock.Clock{"a": 2}, 200, map[string]any{"title": "local"})
	remote := doc("2-ccc", vclock.Clock{"b": 1}, 100, map[string]any{"title": "remote"})
	localBefore := local.Clone()
	remoteBefore := remote.Clone()

	for _, s := range []Strategy{ServerWins, ClientWins, LastWriteWins, Merge} {
		r, _ := NewResolver(s, nil)
		res, err := r.Resolve(local, remote, nil)
		require.NoError(t, err)
		res.Document["title"] = "mutated output"

		assert.Equal(t, localBefore, local, "strategy %s", s)
		assert.Equal(t, remoteBefore, remote, "strategy %s", s)
	}
}
