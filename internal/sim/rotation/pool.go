package rotation

// ApplyRemoval retires the outgoing representative and promotes the pool
// head. It returns the promoted id, or "" when the pool ran dry and the
// game ended. A Serving decision is a no-op.
func ApplyRemoval(s *State, d Decision, round int) (string, error) {
	if !d.Removed {
		return "", nil
	}
	if !s.HasRep() {
		return "", violation(round, "removal", "removal decided with no serving representative")
	}
	outgoing := s.CurrentRepID
	if s.IsRetired(outgoing) {
		return "", violation(round, "no-reelection", "representative %s already retired", outgoing)
	}
	s.Retired = append(s.Retired, Retirement{ID: outgoing, Mechanism: d.Mechanism, Round: round})
	s.CurrentRepID = ""

	if len(s.RepPoolQueue) == 0 {
		s.LastRepID = outgoing
		s.TermRoundCounter = 0
		s.GameOver = true
		s.GameOverReason = ReasonPoolExhausted
		return "", nil
	}
	next := s.RepPoolQueue[0]
	if s.IsRetired(next) {
		return "", violation(round, "no-reelection", "pool head %s already retired", next)
	}
	if s.IsVoter(next) {
		return "", violation(round, "voter-partition", "pool head %s is a voter", next)
	}
	s.RepPoolQueue = s.RepPoolQueue[1:]
	s.CurrentRepID = next
	s.TermRoundCounter = 1
	return next, nil
}
