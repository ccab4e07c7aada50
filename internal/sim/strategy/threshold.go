package strategy

import (
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

// Threshold voters replace the representative when the previous round's
// pot fell below Threshold. Everyone contributes Score; removed
// representatives always pick Legacy.
type Threshold struct {
	Threshold float64
	Fixed     int
	Choice    rotation.LegacyChoice
}

// NewThreshold defaults to a neutral legacy choice.
func NewThreshold(threshold float64, score int, legacy rotation.LegacyChoice) *Threshold {
	if !legacy.Valid() {
		legacy = rotation.LegacyNeutral
	}
	return &Threshold{Threshold: threshold, Fixed: score, Choice: legacy}
}

func (t *Threshold) Score(p session.StagePrompt, _ string) (int, bool) {
	return rotation.ClampScore(t.Fixed, p.ScoreMin, p.ScoreMax), true
}

// Ballot keeps in round one, where there is no previous pot.
func (t *Threshold) Ballot(p session.StagePrompt, _ string) (bool, bool) {
	if p.Round <= 1 {
		return false, true
	}
	return p.LastPot < t.Threshold, true
}

func (t *Threshold) Legacy(session.StagePrompt, string) (rotation.LegacyChoice, bool) {
	return t.Choice, true
}
