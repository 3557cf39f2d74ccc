package revision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		want   Rev
		wantOK bool
	}{
		{"1-abc", Rev{1, "abc"}, true},
		{"0-DEADbeef42", Rev{0, "DEADbeef42"}, true},
		{"42-9f2c1ab4e0d77a10", Rev{42, "9f2c1ab4e0d77a10"}, true},
		{"18446744073709551615-ff", Rev{18446744073709551615, "ff"}, true},

		{"", Rev{}, false},
		{"abc", Rev{}, false},
		{"1-", Rev{}, false},
		{"-abc", Rev{}, false},
		{"-1-abc", Rev{}, false},
		{"1.5-abc", Rev{}, false},
		{"1-ha sh", Rev{}, false},
		{"1-ha_sh", Rev{}, false},
		{"1-abc-def", Rev{}, false},
		// One past uint64 max: matches the pattern but overflows.
		{"18446744073709551616-ff", Rev{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Parse(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompare(t *testing.T) {
	assert.Equal(t, -1, Compare(Rev{1, "zz"}, Rev{2, "aa"}), "sequence dominates hash")
	assert.Equal(t, 1, Compare(Rev{3, "aa"}, Rev{2, "zz"}))
	assert.Equal(t, -1, Compare(Rev{2, "aa"}, Rev{2, "ab"}), "same sequence orders by hash")
	assert.Equal(t, 0, Compare(Rev{2, "aa"}, Rev{2, "aa"}))
}

func TestCompareStrings(t *testing.T) {
	cmp, ok := CompareStrings("1-a", "2-a")
	require.True(t, ok)
	assert.Equal(t, -1, cmp)

	_, ok = CompareStrings("bogus", "2-a")
	assert.False(t, ok, "malformed side must disable revision ordering")
}

func TestMintDeterministic(t *testing.T) {
	content := map[string]any{"title": "Buy milk", "completed": false}
	same := map[string]any{"completed": false, "title": "Buy milk"}
	assert.Equal(t, Mint(3, content), Mint(3, same))

	r, ok := Parse(Mint(3, content))
	require.True(t, ok)
	assert.Equal(t, uint64(3), r.Seq)
}

func TestMintIgnoresInternalFields(t *testing.T) {
	a := map[string]any{"title": "x"}
	b := map[string]any{"title": "x", "_rev": "9-zz", "_vclock": map[string]any{"n": 1}}
	assert.Equal(t, Mint(1, a), Mint(1, b))
}

func TestMintContentSensitive(t *testing.T) {
	a := map[string]any{"title": "x"}
	b := map[string]any{"title": "y"}
	assert.NotEqual(t, Mint(1, a), Mint(1, b))
}
