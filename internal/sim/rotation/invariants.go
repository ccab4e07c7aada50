package rotation

// CheckInvariants validates s against the voter set fixed at round one.
func CheckInvariants(s *State, initialVoters []string, round int) error {
	if len(s.VoterIDs) != len(initialVoters) {
		return violation(round, "voter-set", "voter count changed from %d to %d", len(initialVoters), len(s.VoterIDs))
	}
	for i := range initialVoters {
		if s.VoterIDs[i] != initialVoters[i] {
			return violation(round, "voter-set", "voter %d changed from %s to %s", i, initialVoters[i], s.VoterIDs[i])
		}
	}
	if s.HasRep() == s.GameOver {
		return violation(round, "exclusivity", "rep=%q game_over=%v", s.CurrentRepID, s.GameOver)
	}
	if s.HasRep() {
		if s.IsVoter(s.CurrentRepID) {
			return violation(round, "voter-partition", "representative %s is a voter", s.CurrentRepID)
		}
		if s.IsRetired(s.CurrentRepID) {
			return violation(round, "no-reelection", "representative %s is retired", s.CurrentRepID)
		}
		if s.InPool(s.CurrentRepID) {
			return violation(round, "pool", "representative %s still queued", s.CurrentRepID)
		}
	}
	seen := make(map[string]bool, len(s.RepPoolQueue))
	for _, id := range s.RepPoolQueue {
		if seen[id] {
			return violation(round, "pool", "%s queued twice", id)
		}
		seen[id] = true
		if s.IsRetired(id) {
			return violation(round, "no-reelection", "retired %s back in pool", id)
		}
		if s.IsVoter(id) {
			return violation(round, "voter-partition", "voter %s in pool", id)
		}
	}
	retired := make(map[string]bool, len(s.Retired))
	for _, r := range s.Retired {
		if retired[r.ID] {
			return violation(round, "no-reelection", "%s retired twice", r.ID)
		}
		retired[r.ID] = true
	}
	return nil
}
