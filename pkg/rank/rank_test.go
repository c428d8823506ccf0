package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ml/lattice-agent/pkg/rendezvous/rdzvtest"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     RoleInstanceInfo
		expected int
	}{
		{"same role lower rank first", RoleInstanceInfo{Role: "trainer", Rank: 0}, RoleInstanceInfo{Role: "trainer", Rank: 1}, -1},
		{"same role same rank", RoleInstanceInfo{Role: "trainer", Rank: 2}, RoleInstanceInfo{Role: "trainer", Rank: 2}, 0},
		{"different role alphabetical", RoleInstanceInfo{Role: "eval", Rank: 5}, RoleInstanceInfo{Role: "trainer", Rank: 0}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Compare(tt.a, tt.b))
		})
	}
}

func TestFindRoleBoundaries(t *testing.T) {
	infos := []RoleInstanceInfo{
		{Role: "eval", Rank: 0, LocalWorldSize: 1},
		{Role: "trainer", Rank: 0, LocalWorldSize: 2},
		{Role: "trainer", Rank: 1, LocalWorldSize: 2},
		{Role: "trainer", Rank: 2, LocalWorldSize: 1},
	}

	start, end, ok := FindRoleBoundaries(infos, "trainer")
	require.True(t, ok)
	assert.Equal(t, 1, start)
	assert.Equal(t, 3, end)

	_, _, ok = FindRoleBoundaries(infos, "missing")
	assert.False(t, ok)
}

func TestGetRanks(t *testing.T) {
	infos := []RoleInstanceInfo{
		{Role: "trainer", Rank: 0, LocalWorldSize: 2},
		{Role: "trainer", Rank: 1, LocalWorldSize: 3},
		{Role: "trainer", Rank: 2, LocalWorldSize: 1},
	}

	worldSize, ranks := GetRanks(infos, 1, 0, 3)
	assert.Equal(t, 6, worldSize)
	assert.Equal(t, []int{2, 3, 4}, ranks)
}

func TestDetermineRoleRanks(t *testing.T) {
	infos := []RoleInstanceInfo{
		{Role: "trainer", Rank: 1, LocalWorldSize: 2},
		{Role: "eval", Rank: 0, LocalWorldSize: 1},
		{Role: "trainer", Rank: 0, LocalWorldSize: 2},
	}

	roleRanks, err := DetermineRoleRanks(infos, "trainer", 0)
	require.NoError(t, err)
	assert.Equal(t, 4, roleRanks.WorldSize)
	assert.Equal(t, []int{0, 1}, roleRanks.Ranks)
}

func TestShareAndGatherAndDetermineGlobalRanks(t *testing.T) {
	store := rdzvtest.NewMemStore(5 * time.Second)

	// Two nodes in one role, each contributing one local worker, must
	// rendezvous concurrently: each call blocks until both have joined.
	type result struct {
		assignment GlobalRanks
		err        error
	}
	results := make(chan result, 2)
	for groupRank := 0; groupRank < 2; groupRank++ {
		go func(groupRank int) {
			assignment, err := DetermineGlobalRanks(store, groupRank, 2, "trainer", 1, 5*time.Second)
			results <- result{assignment, err}
		}(groupRank)
	}

	seen := map[int]bool{}
	var worldSize int
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		worldSize = r.assignment.WorldSize
		for _, rk := range r.assignment.Ranks {
			seen[rk] = true
		}
	}

	assert.Equal(t, 2, worldSize)
	assert.Len(t, seen, 2)
}
