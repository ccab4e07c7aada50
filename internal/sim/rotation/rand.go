package rotation

import "math/rand/v2"

// Source is the engine's single random stream. All draws (the initial
// shuffle, chaos, the random end) go through one Source so that a seed
// fully determines a game given its inputs.
type Source interface {
	Float64() float64
	Shuffle(n int, swap func(i, j int))
}

// Rand is a seeded PCG stream whose state can be captured in snapshots.
type Rand struct {
	pcg *rand.PCG
	r   *rand.Rand
}

func NewRand(seed uint64) *Rand {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &Rand{pcg: pcg, r: rand.New(pcg)}
}

func (r *Rand) Float64() float64 { return r.r.Float64() }

func (r *Rand) Shuffle(n int, swap func(i, j int)) { r.r.Shuffle(n, swap) }

func (r *Rand) MarshalBinary() ([]byte, error) { return r.pcg.MarshalBinary() }

func (r *Rand) UnmarshalBinary(b []byte) error { return r.pcg.UnmarshalBinary(b) }
