package util

import (
	"math/rand/v2"
)

// NewRand returns a generator seeded from the runtime's entropy source.
// Each generation run gets its own generator; it is not safe for concurrent use.
func NewRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewSeededRand returns a deterministic generator for the given seed.
// Two generators built from the same seed produce the same sequence.
func NewSeededRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// RandFactory builds the generator for one generation run.
type RandFactory func() *rand.Rand

// SeededFactory returns a RandFactory that hands out identically seeded generators.
func SeededFactory(seed uint64) RandFactory {
	return func() *rand.Rand { return NewSeededRand(seed) }
}
