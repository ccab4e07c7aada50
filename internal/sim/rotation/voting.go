package rotation

// FilterBallots keeps ballots cast by voters. Missing voters are absent
// from the result and do not count toward removal.
func FilterBallots(s *State, submitted map[string]bool) map[string]Ballot {
	out := make(map[string]Ballot, len(s.VoterIDs))
	for _, id := range s.VoterIDs {
		if replace, ok := submitted[id]; ok {
			out[id] = BallotOf(replace)
		}
	}
	return out
}

// Tally counts REPLACE ballots.
func Tally(ballots map[string]Ballot) int {
	n := 0
	for _, b := range ballots {
		if b == BallotReplace {
			n++
		}
	}
	return n
}
