package rotation

// CheckContinuation ends the game when the round cap is reached or, once
// the indefinite horizon has started, when the continuation draw fails.
// rng is only drawn from when the random end is in play.
func CheckContinuation(s *State, cfg Config, round int, rng Source) {
	if s.GameOver {
		return
	}
	if round >= cfg.MaxRounds {
		s.conclude(ReasonMaxRounds)
		return
	}
	if cfg.IndefiniteHorizonStartRound > 0 && round >= cfg.IndefiniteHorizonStartRound {
		if rng.Float64() > cfg.ContinuationProbability {
			s.conclude(ReasonEndedRandomly)
		}
	}
}

// LegacyOffered reports whether the representative removed by d gets the
// legacy decision. The game must still be running so the effect can
// apply to a successor.
func LegacyOffered(cfg Config, s *State, d Decision) bool {
	return d.Removed && !s.GameOver && cfg.LegacyEligibleFor(d.Mechanism)
}

// ApplyLegacy scales both coefficients by the choice's factor and returns
// the cost charged to the outgoing representative. Neutral is free.
func ApplyLegacy(s *State, choice LegacyChoice, stage2Cost float64) float64 {
	if !choice.Valid() {
		choice = LegacyNeutral
	}
	f := choice.Factor()
	s.RepCoefficient *= f
	s.VoterCoefficient *= f
	s.LegacyEffect = choice
	if choice == LegacyNeutral {
		return 0
	}
	return stage2Cost
}
