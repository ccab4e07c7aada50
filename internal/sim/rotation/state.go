package rotation

import "fmt"

// State is the authoritative game state. Derived views (roles, groups)
// are recomputed from it and never stored.
type State struct {
	VoterIDs         []string     `json:"voter_ids"`
	RepPoolQueue     []string     `json:"rep_pool_queue"`
	CurrentRepID     string       `json:"current_rep_id,omitempty"`
	Retired          []Retirement `json:"retired"`
	TermRoundCounter int          `json:"term_round_counter"`
	GameOver         bool         `json:"game_over"`
	GameOverReason   string       `json:"game_over_reason,omitempty"`

	RepCoefficient   float64      `json:"rep_coefficient"`
	VoterCoefficient float64      `json:"voter_coefficient"`
	LegacyEffect     LegacyChoice `json:"legacy_effect,omitempty"`

	// LastRepID keeps the representative who was serving when the game
	// ended, since CurrentRepID is cleared on game over.
	LastRepID string `json:"last_rep_id,omitempty"`
}

func (s *State) HasRep() bool { return s.CurrentRepID != "" }

func (s *State) IsVoter(id string) bool { return contains(s.VoterIDs, id) }

func (s *State) IsRetired(id string) bool {
	for _, r := range s.Retired {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (s *State) InPool(id string) bool { return contains(s.RepPoolQueue, id) }

func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.VoterIDs = append([]string(nil), s.VoterIDs...)
	c.RepPoolQueue = append([]string(nil), s.RepPoolQueue...)
	c.Retired = append([]Retirement(nil), s.Retired...)
	return &c
}

// conclude ends the game. The serving representative, if any, is kept in
// LastRepID so that exactly one of CurrentRepID / GameOver holds.
func (s *State) conclude(reason string) {
	if s.CurrentRepID != "" {
		s.LastRepID = s.CurrentRepID
		s.CurrentRepID = ""
	}
	s.GameOver = true
	s.GameOverReason = reason
}

// Initialize shuffles participants with rng, takes the first numVoters as
// the permanent voters, queues the rest, and promotes the queue head.
func Initialize(participants []Participant, numVoters int, rng Source) (*State, error) {
	if numVoters < 1 {
		return nil, configErr("num_voters", "must be >= 1 (got %d)", numVoters)
	}
	if len(participants) < numVoters {
		return nil, configErr("participants", "need at least %d, got %d", numVoters, len(participants))
	}
	ids := make([]string, 0, len(participants))
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.ID == "" {
			return nil, configErr("participants", "empty participant id")
		}
		if seen[p.ID] {
			return nil, configErr("participants", "duplicate participant id %q", p.ID)
		}
		seen[p.ID] = true
		ids = append(ids, p.ID)
	}
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	s := &State{
		VoterIDs:         append([]string(nil), ids[:numVoters]...),
		RepPoolQueue:     append([]string(nil), ids[numVoters:]...),
		Retired:          []Retirement{},
		RepCoefficient:   1,
		VoterCoefficient: 1,
	}
	if len(s.RepPoolQueue) == 0 {
		s.conclude(ReasonInsufficientParticipants)
		return s, nil
	}
	s.CurrentRepID = s.RepPoolQueue[0]
	s.RepPoolQueue = s.RepPoolQueue[1:]
	s.TermRoundCounter = 1
	return s, nil
}

// RoleOf derives a participant's current role. Voter membership is
// checked first since it is permanent.
func RoleOf(s *State, id string) Role {
	switch {
	case s.IsVoter(id):
		return RoleVoter
	case s.CurrentRepID != "" && s.CurrentRepID == id:
		return RoleActiveRep
	case s.InPool(id):
		return RolePoolCandidate
	case s.IsRetired(id):
		return RoleRetired
	}
	return RoleNone
}

// PermanentRoleOf reports the role fixed at initialization. The second
// result is false for ids outside the game.
func PermanentRoleOf(s *State, id string) (PermanentRole, bool) {
	if s.IsVoter(id) {
		return PermanentVoter, true
	}
	if RoleOf(s, id) != RoleNone || s.LastRepID == id {
		return PermanentRepCandidate, true
	}
	return "", false
}

func contains(xs []string, id string) bool {
	for _, x := range xs {
		if x == id {
			return true
		}
	}
	return false
}

func (s *State) String() string {
	return fmt.Sprintf("voters=%v rep=%q pool=%v retired=%d term=%d over=%v(%s)",
		s.VoterIDs, s.CurrentRepID, s.RepPoolQueue, len(s.Retired), s.TermRoundCounter, s.GameOver, s.GameOverReason)
}
