package rotation

func ClampScore(score, min, max int) int {
	if score < min {
		return min
	}
	if score > max {
		return max
	}
	return score
}

// NormalizeContributions clamps submitted scores for the active group.
// Members who did not submit score 0 (clamped) and are listed in missing.
// Submissions from outside the active group are ignored.
func NormalizeContributions(active []string, submitted map[string]int, min, max int) (scores map[string]int, missing []string) {
	scores = make(map[string]int, len(active))
	for _, id := range active {
		v, ok := submitted[id]
		if !ok {
			missing = append(missing, id)
		}
		scores[id] = ClampScore(v, min, max)
	}
	return scores, missing
}

// ComputePot is rep score times the rep coefficient plus the sum of voter
// scores times the voter coefficient.
func ComputePot(repScore int, voterScores []int, repCoef, voterCoef float64) float64 {
	sum := 0
	for _, v := range voterScores {
		sum += v
	}
	return float64(repScore)*repCoef + float64(sum)*voterCoef
}

// Payoffs computes the pot from the current coefficients and splits it
// equally among the voters. The representative earns the fixed salary.
// Without a serving representative production does not run.
func Payoffs(s *State, scores map[string]int, cfg Config) (float64, map[string]float64) {
	payoffs := make(map[string]float64, len(s.VoterIDs)+1)
	if !s.HasRep() {
		return 0, payoffs
	}
	voterScores := make([]int, 0, len(s.VoterIDs))
	for _, id := range s.VoterIDs {
		voterScores = append(voterScores, scores[id])
	}
	pot := ComputePot(scores[s.CurrentRepID], voterScores, s.RepCoefficient, s.VoterCoefficient)
	share := 0.0
	if n := len(s.VoterIDs); n > 0 {
		share = pot / float64(n)
	}
	for _, id := range s.VoterIDs {
		payoffs[id] = share
	}
	payoffs[s.CurrentRepID] = cfg.RepSalary
	return pot, payoffs
}
