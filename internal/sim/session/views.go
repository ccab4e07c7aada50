package session

import (
	"sort"

	"lameduck.lab/internal/sim/rotation"
)

// StatusView is a read-only copy of the rotation state for display.
type StatusView struct {
	SessionID string                 `json:"session_id"`
	Treatment string                 `json:"treatment"`
	Kind      rotation.TreatmentKind `json:"kind"`
	Round     int                    `json:"round"`

	VoterIDs     []string              `json:"voter_ids"`
	CurrentRepID string                `json:"current_rep_id,omitempty"`
	TermRound    int                   `json:"term_round"`
	Pool         []string              `json:"pool"`
	Retired      []rotation.Retirement `json:"retired"`
	LastRepID    string                `json:"last_rep_id,omitempty"`

	RepCoefficient   float64 `json:"rep_coefficient"`
	VoterCoefficient float64 `json:"voter_coefficient"`
	LegacyEffect     string  `json:"legacy_effect"`

	GameOver       bool   `json:"game_over"`
	GameOverReason string `json:"game_over_reason,omitempty"`
}

func statusOf(s *rotation.State, sessionID, treatment string, kind rotation.TreatmentKind, round int) StatusView {
	c := s.Clone()
	return StatusView{
		SessionID:        sessionID,
		Treatment:        treatment,
		Kind:             kind,
		Round:            round,
		VoterIDs:         c.VoterIDs,
		CurrentRepID:     c.CurrentRepID,
		TermRound:        c.TermRoundCounter,
		Pool:             c.RepPoolQueue,
		Retired:          c.Retired,
		LastRepID:        c.LastRepID,
		RepCoefficient:   c.RepCoefficient,
		VoterCoefficient: c.VoterCoefficient,
		LegacyEffect:     c.LegacyEffect.Label(),
		GameOver:         c.GameOver,
		GameOverReason:   c.GameOverReason,
	}
}

// RoleOf derives a participant's role from the view.
func (v StatusView) RoleOf(id string) rotation.Role {
	return rotation.RoleOf(&rotation.State{
		VoterIDs:     v.VoterIDs,
		RepPoolQueue: v.Pool,
		CurrentRepID: v.CurrentRepID,
		Retired:      v.Retired,
	}, id)
}

// Totals are cumulative payoffs over all committed rounds.
type Totals struct {
	ByParticipant map[string]float64 `json:"by_participant"`
	VoterPoints   float64            `json:"voter_points"`
	RepPoints     float64            `json:"rep_points"`
	Overall       float64            `json:"overall"`
}

func totalsOf(byID map[string]float64, voters []string) Totals {
	t := Totals{ByParticipant: make(map[string]float64, len(byID))}
	isVoter := make(map[string]bool, len(voters))
	for _, v := range voters {
		isVoter[v] = true
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := byID[id]
		t.ByParticipant[id] = v
		if isVoter[id] {
			t.VoterPoints += v
		} else {
			t.RepPoints += v
		}
		t.Overall += v
	}
	return t
}

const (
	ResultReplace = "Replace"
	ResultKeep    = "Keep"
	ResultNA      = "N/A"

	NextRepNone          = "none"
	NextRepPoolExhausted = "none (pool is empty)"
)

// VoteSummary is the voting results view of one round.
type VoteSummary struct {
	Round        int                     `json:"round"`
	ReplaceVotes int                     `json:"replace_votes"`
	KeepVotes    int                     `json:"keep_votes"`
	Abstained    int                     `json:"abstained"`
	Result       string                  `json:"result"`
	Outcome      rotation.RemovalOutcome `json:"outcome"`
	Mechanism    rotation.Mechanism      `json:"mechanism,omitempty"`
	NextRepID    string                  `json:"next_rep_id,omitempty"`
	NextRep      string                  `json:"next_rep"`
}

// Summarize builds the voting results view. Result reflects the vote,
// Outcome what actually happened.
func Summarize(rec rotation.RoundRecord, cfg rotation.Config) VoteSummary {
	s := VoteSummary{
		Round:     rec.RoundNumber,
		Outcome:   rec.RemovalOutcome,
		Mechanism: rec.RemovalMechanism,
		Result:    ResultNA,
	}
	if cfg.Kind.HasVoting() {
		for _, b := range rec.VoterBallots {
			if b == rotation.BallotReplace {
				s.ReplaceVotes++
			} else {
				s.KeepVotes++
			}
		}
		s.Abstained = cfg.NumVoters - len(rec.VoterBallots)
		if s.Abstained < 0 {
			s.Abstained = 0
		}
		s.Result = ResultKeep
		if s.ReplaceVotes >= cfg.MajorityThreshold() {
			s.Result = ResultReplace
		}
	}

	next := rec.PromotedRepID
	if next == "" && rec.RemovalOutcome == rotation.NotRemoved {
		next = rec.ActiveRepID
	}
	if rec.GameOver {
		next = ""
	}
	s.NextRepID = next
	switch {
	case next != "":
		s.NextRep = next
	case rec.GameOverReason == rotation.ReasonPoolExhausted:
		s.NextRep = NextRepPoolExhausted
	default:
		s.NextRep = NextRepNone
	}
	return s
}
