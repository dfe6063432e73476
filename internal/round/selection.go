package round

import (
	"math/rand"
	"sort"

	"github.com/medhive/flcoordinator/internal/fl"
)

// selectByStrategy applies a round's selectionStrategy over an already
// lexicographically-sorted candidate list (spec.md §4.3's selectClients),
// breaking ties by client id in every strategy.
func selectByStrategy(candidates []*fl.Client, strategy fl.SelectionStrategy, seed int64, maxClients int) []*fl.Client {
	pool := append([]*fl.Client(nil), candidates...)

	switch strategy {
	case fl.SelectResourceWeighted:
		sort.SliceStable(pool, func(i, j int) bool {
			si, sj := resourceScore(pool[i]), resourceScore(pool[j])
			if si != sj {
				return si > sj
			}
			return pool[i].ID < pool[j].ID
		})
	case fl.SelectLeastParticipation:
		sort.SliceStable(pool, func(i, j int) bool {
			if pool[i].RoundsParticipated != pool[j].RoundsParticipated {
				return pool[i].RoundsParticipated < pool[j].RoundsParticipated
			}
			return pool[i].ID < pool[j].ID
		})
	default: // fl.SelectRandom
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	}

	if len(pool) > maxClients {
		pool = pool[:maxClients]
	}
	return pool
}

// resourceScore implements spec.md §4.3's resourceWeighted formula:
// 1.0 × (2.0 if hasAccelerator else 1.0) × (1 + 0.5 × max(0, acceleratorCount-1)).
func resourceScore(c *fl.Client) float64 {
	score := 1.0
	if c.DeviceProfile.HasAccelerator {
		score *= 2.0
	}
	extra := c.DeviceProfile.AcceleratorCount - 1
	if extra < 0 {
		extra = 0
	}
	score *= 1 + 0.5*float64(extra)
	return score
}
