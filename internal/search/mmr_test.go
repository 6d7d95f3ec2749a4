package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMMRSelect_PrefersDiverseResults(t *testing.T) {
	// Given: two near-duplicates and one distinct candidate
	cands := []*candidate{
		{chunkID: "dup-1", score: 1.0},
		{chunkID: "dup-2", score: 0.95},
		{chunkID: "distinct", score: 0.5},
	}
	vectors := map[string][]float32{
		"dup-1":    {1, 0},
		"dup-2":    {0.99, 0.01},
		"distinct": {0, 1},
	}

	// When: selecting two with diversity weighted in
	selected := mmrSelect(cands, vectors, 0.5, 2)

	// Then: the duplicate is passed over for the distinct chunk
	require.Len(t, selected, 2)
	assert.Equal(t, "dup-1", selected[0].chunkID)
	assert.Equal(t, "distinct", selected[1].chunkID)
}

func TestMMRSelect_PureRelevanceKeepsOrder(t *testing.T) {
	cands := []*candidate{
		{chunkID: "a", score: 0.9},
		{chunkID: "b", score: 0.8},
		{chunkID: "c", score: 0.7},
	}
	vectors := map[string][]float32{"a": {1, 0}, "b": {1, 0}, "c": {1, 0}}

	selected := mmrSelect(cands, vectors, 1.0, 3)

	require.Len(t, selected, 3)
	assert.Equal(t, "a", selected[0].chunkID)
	assert.Equal(t, "b", selected[1].chunkID)
	assert.Equal(t, "c", selected[2].chunkID)
}

func TestMMRSelect_KLargerThanPool(t *testing.T) {
	cands := []*candidate{{chunkID: "only", score: 1.0}}

	selected := mmrSelect(cands, map[string][]float32{}, 0.5, 10)

	assert.Len(t, selected, 1)
}
