package game

import "math/rand"

// Assign maps each player to the player whose character they must invent.
// The players are shuffled (unbiased) and each is assigned the next one in the
// shuffled order, so the result is always a single cycle covering every player
// exactly once as both assigner and target. No player is assigned to themselves
// for n >= 2, since (i+1) mod n != i.
//
// Fewer than two players have no valid assignment; the result is empty.
func Assign(rng *rand.Rand, playerIDs []string) map[string]string {
	assignments := make(map[string]string, len(playerIDs))
	if len(playerIDs) < 2 {
		return assignments
	}

	perm := make([]string, len(playerIDs))
	copy(perm, playerIDs)
	rng.Shuffle(len(perm), func(i, j int) {
		perm[i], perm[j] = perm[j], perm[i]
	})

	for i, id := range perm {
		assignments[id] = perm[(i+1)%len(perm)]
	}
	return assignments
}
