package vclock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Clock
		want Relation
	}{
		{"both empty", Clock{}, Clock{}, Equal},
		{"nil vs nil", nil, nil, Equal},
		{"identical", Clock{"a": 2, "b": 1}, Clock{"a": 2, "b": 1}, Equal},
		{"zero counter ignored", Clock{"a": 1, "b": 0}, Clock{"a": 1}, Equal},
		{"strictly newer", Clock{"a": 2}, Clock{"a": 1}, After},
		{"strictly older", Clock{"a": 1}, Clock{"a": 2}, Before},
		{"superset newer", Clock{"a": 1, "b": 1}, Clock{"a": 1}, After},
		{"subset older", Clock{"a": 1}, Clock{"a": 1, "b": 3}, Before},
		{"disjoint writers", Clock{"a": 1}, Clock{"b": 1}, Concurrent},
		{"crossed counters", Clock{"a": 2, "b": 1}, Clock{"a": 1, "b": 2}, Concurrent},
		{"empty vs written", Clock{}, Clock{"a": 1}, Before},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestIncrementOrdersAfter(t *testing.T) {
	clocks := []Clock{
		{},
		{"a": 1},
		{"a": 3, "b": 2},
		{"x": 7, "y": 1, "z": 4},
	}
	for _, c := range clocks {
		for _, node := range []string{"a", "b", "new-node"} {
			bumped := c.Copy()
			bumped.Increment(node)
			assert.Equal(t, Before, c.Compare(bumped), "clock %v node %s", c, node)
			assert.Equal(t, After, bumped.Compare(c))
		}
	}
}

func TestMergeLaws(t *testing.T) {
	a := Clock{"a": 3, "b": 1}
	b := Clock{"b": 4, "c": 2}
	c := Clock{"a": 1, "c": 5}

	// Commutative.
	assert.Equal(t, a.Merge(b), b.Merge(a))

	// Associative.
	assert.Equal(t, a.Merge(b).Merge(c), a.Merge(b.Merge(c)))

	// Idempotent.
	assert.Equal(t, a.Compact(), a.Merge(a).Compact())

	// Merge dominates or equals both inputs.
	m := a.Merge(b)
	require.NotEqual(t, Before, m.Compare(a))
	require.NotEqual(t, Before, m.Compare(b))
	require.NotEqual(t, Concurrent, m.Compare(a))
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	a := Clock{"a": 1}
	b := Clock{"b": 2}
	_ = a.Merge(b)
	assert.Equal(t, Clock{"a": 1}, a)
	assert.Equal(t, Clock{"b": 2}, b)
}

func TestCompact(t *testing.T) {
	c := Clock{"a": 1, "b": 0, "c": 2}
	assert.Equal(t, Clock{"a": 1, "c": 2}, c.Compact())
}
