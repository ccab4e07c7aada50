package strategy

import (
	"math/rand/v2"
	"sync"

	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

var legacyChoices = []rotation.LegacyChoice{rotation.LegacySabotage, rotation.LegacyHelp, rotation.LegacyNeutral}

// Random draws uniform scores, ballots and legacy choices from its own
// seeded stream, independent of the engine's.
type Random struct {
	replaceProb   float64
	participation float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom uses replaceProb 0.5 and participation 1 when given 0.
func NewRandom(seed uint64, replaceProb, participation float64) *Random {
	if replaceProb <= 0 {
		replaceProb = 0.5
	}
	if participation <= 0 {
		participation = 1
	}
	return &Random{
		replaceProb:   replaceProb,
		participation: participation,
		rng:           rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)),
	}
}

func (r *Random) shows() bool {
	return r.participation >= 1 || r.rng.Float64() < r.participation
}

func (r *Random) Score(p session.StagePrompt, _ string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shows() {
		return 0, false
	}
	span := p.ScoreMax - p.ScoreMin
	if span <= 0 {
		return p.ScoreMin, true
	}
	return p.ScoreMin + r.rng.IntN(span+1), true
}

func (r *Random) Ballot(session.StagePrompt, string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shows() {
		return false, false
	}
	return r.rng.Float64() < r.replaceProb, true
}

func (r *Random) Legacy(session.StagePrompt, string) (rotation.LegacyChoice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.shows() {
		return "", false
	}
	return legacyChoices[r.rng.IntN(len(legacyChoices))], true
}
