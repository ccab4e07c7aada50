package rotation

// Decision is the removal engine's verdict for one round.
type Decision struct {
	Removed   bool           `json:"removed"`
	Mechanism Mechanism      `json:"mechanism,omitempty"`
	Outcome   RemovalOutcome `json:"outcome"`

	// MajorityReached records the voters' intent; under CHAOS_VOTE it can
	// differ from Removed.
	MajorityReached bool `json:"majority_reached"`
	Inverted        bool `json:"inverted,omitempty"`
}

func serving(majority bool) Decision {
	return Decision{Outcome: NotRemoved, MajorityReached: majority}
}

func removed(m Mechanism, majority bool) Decision {
	return Decision{Removed: true, Mechanism: m, Outcome: m.Outcome(), MajorityReached: majority}
}

// Decide evaluates the removal table for the serving representative. The
// first matching row wins. rng is drawn from exactly once per round under
// CHAOS_VOTE and never otherwise.
func Decide(cfg Config, s *State, removeVotes, round int, rng Source) Decision {
	if !s.HasRep() {
		return serving(false)
	}
	majority := removeVotes >= cfg.MajorityThreshold()
	termUp := s.TermRoundCounter >= cfg.TermLength

	switch cfg.Kind {
	case KindNoVote:
		if termUp {
			return removed(MechanismTermLimit, false)
		}
		return serving(false)

	case KindVoteOut:
		if majority {
			return removed(MechanismVotedOut, true)
		}
		return serving(false)

	case KindChaosVote:
		draw := rng.Float64()
		if majority {
			if draw < 1-cfg.ChaosProbability {
				return removed(MechanismVotedOutProbabilistic, true)
			}
			d := serving(true)
			d.Inverted = true
			return d
		}
		if draw < cfg.ChaosProbability {
			d := removed(MechanismUnluckyWinner, false)
			d.Inverted = true
			return d
		}
		return serving(false)

	case KindTermLimitHybrid:
		if majority && round < cfg.MaxRounds {
			return removed(MechanismVotedOutEarly, true)
		}
		if termUp {
			return removed(MechanismTermLimit, majority)
		}
		return serving(majority)
	}
	return serving(majority)
}

// ApplyDecision advances the term counter of a representative who stays
// in office. Removal leaves the counter for PoolRotation to reset.
func ApplyDecision(s *State, d Decision) {
	if !d.Removed && s.HasRep() {
		s.TermRoundCounter++
	}
}
