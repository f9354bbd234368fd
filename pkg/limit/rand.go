package limit

import "math/rand/v2"

// Rand is the randomness used for fixed window anchors and shard choice.
// *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// DefaultRand uses the process-wide generator from math/rand/v2.
var DefaultRand Rand = globalRand{}
