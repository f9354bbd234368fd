package ratelimit

import (
	"fmt"

	"github.com/AlexKimmel/ShardLimit/pkg/limit"
)

// Selector chooses shard indices. Choices are stateless: there is no
// round-robin cursor shared between calls.
type Selector struct {
	rnd limit.Rand
}

func NewSelector(rnd limit.Rand) Selector {
	if rnd == nil {
		rnd = limit.DefaultRand
	}
	return Selector{rnd: rnd}
}

// Pick returns the pinned shard when one is given, else a uniformly random one.
func (s Selector) Pick(shards int, pinned *int) (int, error) {
	if pinned != nil {
		if *pinned < 0 || *pinned >= shards {
			return 0, fmt.Errorf("%w: shard %d out of range [0,%d)", limit.ErrInvalidArgument, *pinned, shards)
		}
		return *pinned, nil
	}
	if shards <= 1 {
		return 0, nil
	}
	return s.rnd.IntN(shards), nil
}

// Sample draws n distinct shards out of shards, in random order. n is
// clamped to [1, shards].
func (s Selector) Sample(shards, n int) []int {
	if shards < 1 {
		shards = 1
	}
	if n < 1 {
		n = 1
	}
	if n > shards {
		n = shards
	}
	idx := make([]int, shards)
	for i := range idx {
		idx[i] = i
	}
	// partial Fisher-Yates
	for i := 0; i < n; i++ {
		j := i + s.rnd.IntN(shards-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:n]
}
