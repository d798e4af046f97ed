package game

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playerList(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("player-%d", i)
	}
	return ids
}

func TestAssignFormsSingleCycle(t *testing.T) {
	for n := 2; n <= 8; n++ {
		for seed := int64(0); seed < 20; seed++ {
			rng := rand.New(rand.NewSource(seed))
			ids := playerList(n)
			assignments := Assign(rng, ids)

			require.Len(t, assignments, n, "n=%d seed=%d", n, seed)

			targets := make(map[string]int)
			for assigner, target := range assignments {
				assert.NotEqual(t, assigner, target, "self-assignment n=%d seed=%d", n, seed)
				targets[target]++
			}
			for _, id := range ids {
				assert.Equal(t, 1, targets[id], "player %s must be targeted exactly once", id)
			}

			// Walking the assignment chain from any player must visit everyone
			// before returning to the start.
			seen := make(map[string]bool)
			cur := ids[0]
			for i := 0; i < n; i++ {
				require.False(t, seen[cur], "cycle shorter than n (n=%d seed=%d)", n, seed)
				seen[cur] = true
				cur = assignments[cur]
			}
			assert.Equal(t, ids[0], cur, "chain must close into a single cycle")
		}
	}
}

func TestAssignTooFewPlayers(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Empty(t, Assign(rng, nil))
	assert.Empty(t, Assign(rng, []string{"solo"}))
}

func TestAssignDeterministicForSeed(t *testing.T) {
	ids := playerList(5)
	first := Assign(rand.New(rand.NewSource(42)), ids)
	second := Assign(rand.New(rand.NewSource(42)), ids)
	assert.Equal(t, first, second)
}

func TestAssignDoesNotMutateInput(t *testing.T) {
	ids := playerList(4)
	want := playerList(4)
	Assign(rand.New(rand.NewSource(7)), ids)
	assert.Equal(t, want, ids)
}
