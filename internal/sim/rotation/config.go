package rotation

import "math"

// Config is the resolved treatment configuration the engine runs under.
type Config struct {
	Kind       TreatmentKind `json:"kind"`
	NumVoters  int           `json:"num_voters"`
	TermLength int           `json:"term_length"`
	MaxRounds  int           `json:"max_rounds"`

	// IndefiniteHorizonStartRound of 0 disables the random end.
	IndefiniteHorizonStartRound int     `json:"indefinite_horizon_start_round"`
	ContinuationProbability     float64 `json:"continuation_probability"`
	ChaosProbability            float64 `json:"chaos_probability"`

	RepSalary        float64 `json:"rep_salary"`
	Stage2Cost       float64 `json:"stage2_cost"`
	RepCoefficient   float64 `json:"rep_coefficient"`
	VoterCoefficient float64 `json:"voter_coefficient"`
	ScoreMin         int     `json:"score_min"`
	ScoreMax         int     `json:"score_max"`

	LegacyEligible []Mechanism `json:"legacy_eligible"`
}

// DefaultLegacyEligible returns the mechanisms that trigger the legacy
// decision when a treatment does not list them.
func DefaultLegacyEligible(kind TreatmentKind) []Mechanism {
	switch kind {
	case KindNoVote, KindTermLimitHybrid:
		return []Mechanism{MechanismTermLimit}
	case KindVoteOut:
		return []Mechanism{MechanismVotedOut}
	case KindChaosVote:
		return []Mechanism{MechanismVotedOutProbabilistic, MechanismUnluckyWinner}
	}
	return nil
}

func (c Config) Validate() error {
	if !c.Kind.Valid() {
		return configErr("kind", "unknown treatment kind %q", c.Kind)
	}
	if c.NumVoters < 1 {
		return configErr("num_voters", "must be >= 1 (got %d)", c.NumVoters)
	}
	if c.TermLength < 1 {
		return configErr("term_length", "must be >= 1 (got %d)", c.TermLength)
	}
	if c.MaxRounds < 1 {
		return configErr("max_rounds", "must be >= 1 (got %d)", c.MaxRounds)
	}
	if c.IndefiniteHorizonStartRound < 0 {
		return configErr("indefinite_horizon_start_round", "must be >= 0")
	}
	if !unit(c.ContinuationProbability) {
		return configErr("continuation_probability", "must be in [0,1] (got %v)", c.ContinuationProbability)
	}
	if !unit(c.ChaosProbability) {
		return configErr("chaos_probability", "must be in [0,1] (got %v)", c.ChaosProbability)
	}
	if c.RepCoefficient < 0 || c.VoterCoefficient < 0 {
		return configErr("coefficients", "must be non-negative")
	}
	if c.ScoreMax < c.ScoreMin {
		return configErr("score_max", "must be >= score_min")
	}
	for _, m := range c.LegacyEligible {
		if !m.Valid() {
			return configErr("legacy_eligible", "unknown mechanism %q", m)
		}
	}
	return nil
}

func unit(p float64) bool { return !math.IsNaN(p) && p >= 0 && p <= 1 }

// MajorityThreshold is the number of REPLACE ballots that forms a strict
// majority of the configured voters.
func (c Config) MajorityThreshold() int { return MajorityThreshold(c.NumVoters) }

func MajorityThreshold(numVoters int) int { return numVoters/2 + 1 }

func (c Config) LegacyEligibleFor(m Mechanism) bool {
	if m == MechanismNone {
		return false
	}
	for _, e := range c.LegacyEligible {
		if e == m {
			return true
		}
	}
	return false
}
