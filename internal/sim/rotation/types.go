// Package rotation implements the representative rotation engine: role
// assignment, per-round grouping, production payoffs, voting, the removal
// decision table, pool promotion, and the horizon rules that end a game.
//
// Every function here is a pure transition over *State plus an explicit
// random Source. The session driver owns the State and the Source and
// is the only caller that mutates them.
package rotation

// Role is the per-round role of a participant, derived from State.
type Role int

const (
	RoleNone Role = iota
	RoleVoter
	RoleActiveRep
	RolePoolCandidate
	RoleRetired
)

func (r Role) String() string {
	switch r {
	case RoleVoter:
		return "VOTER"
	case RoleActiveRep:
		return "ACTIVE_REP"
	case RolePoolCandidate:
		return "POOL_CANDIDATE"
	case RoleRetired:
		return "RETIRED"
	default:
		return "NONE"
	}
}

// PermanentRole is fixed at game start and never changes.
type PermanentRole string

const (
	PermanentVoter        PermanentRole = "VOTER"
	PermanentRepCandidate PermanentRole = "REP_CANDIDATE"
)

type Participant struct {
	ID    string `json:"id" yaml:"id"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

type TreatmentKind string

const (
	KindNoVote          TreatmentKind = "NO_VOTE"
	KindVoteOut         TreatmentKind = "VOTE_OUT"
	KindChaosVote       TreatmentKind = "CHAOS_VOTE"
	KindTermLimitHybrid TreatmentKind = "TERM_LIMIT_HYBRID"
)

func (k TreatmentKind) Valid() bool {
	switch k {
	case KindNoVote, KindVoteOut, KindChaosVote, KindTermLimitHybrid:
		return true
	}
	return false
}

// HasVoting reports whether the treatment runs a voting stage.
func (k TreatmentKind) HasVoting() bool { return k.Valid() && k != KindNoVote }

type Mechanism string

const (
	MechanismNone                  Mechanism = ""
	MechanismTermLimit             Mechanism = "term_limit"
	MechanismVotedOut              Mechanism = "voted_out"
	MechanismVotedOutProbabilistic Mechanism = "voted_out_probabilistic"
	MechanismUnluckyWinner         Mechanism = "unlucky_winner"
	MechanismVotedOutEarly         Mechanism = "voted_out_early"
)

func (m Mechanism) Valid() bool {
	switch m {
	case MechanismTermLimit, MechanismVotedOut, MechanismVotedOutProbabilistic,
		MechanismUnluckyWinner, MechanismVotedOutEarly:
		return true
	}
	return false
}

// Outcome maps a removal mechanism to its coarse outcome.
func (m Mechanism) Outcome() RemovalOutcome {
	switch m {
	case MechanismVotedOut, MechanismVotedOutProbabilistic, MechanismVotedOutEarly:
		return RemovedByVote
	case MechanismUnluckyWinner:
		return RemovedByChaos
	case MechanismTermLimit:
		return RemovedByTermLimit
	default:
		return NotRemoved
	}
}

type RemovalOutcome string

const (
	NotRemoved         RemovalOutcome = "NOT_REMOVED"
	RemovedByVote      RemovalOutcome = "REMOVED_BY_VOTE"
	RemovedByTermLimit RemovalOutcome = "REMOVED_BY_TERM_LIMIT"
	RemovedByChaos     RemovalOutcome = "REMOVED_BY_CHAOS"
)

type Ballot string

const (
	BallotKeep    Ballot = "KEEP"
	BallotReplace Ballot = "REPLACE"
)

func BallotOf(replace bool) Ballot {
	if replace {
		return BallotReplace
	}
	return BallotKeep
}

// LegacyChoice is the outgoing representative's parting decision.
type LegacyChoice string

const (
	LegacySabotage LegacyChoice = "SABOTAGE"
	LegacyHelp     LegacyChoice = "HELP"
	LegacyNeutral  LegacyChoice = "NEUTRAL"
)

func (c LegacyChoice) Valid() bool {
	return c == LegacySabotage || c == LegacyHelp || c == LegacyNeutral
}

// Factor is the multiplier applied to both production coefficients.
func (c LegacyChoice) Factor() float64 {
	switch c {
	case LegacySabotage:
		return 0.5
	case LegacyHelp:
		return 1.5
	default:
		return 1.0
	}
}

// Label is the participant-facing effect name.
func (c LegacyChoice) Label() string {
	switch c {
	case LegacySabotage:
		return "Sabotage"
	case LegacyHelp:
		return "Help"
	case LegacyNeutral:
		return "Neutral"
	default:
		return "None"
	}
}

// ParseLegacyCode accepts the numeric codes used by lab clients
// (0 neutral, 1 sabotage, 2 help) in addition to the names.
func ParseLegacyCode(code int) (LegacyChoice, bool) {
	switch code {
	case 0:
		return LegacyNeutral, true
	case 1:
		return LegacySabotage, true
	case 2:
		return LegacyHelp, true
	}
	return "", false
}

const (
	ReasonInsufficientParticipants = "insufficient participants"
	ReasonPoolExhausted            = "pool exhausted"
	ReasonMaxRounds                = "max rounds reached"
	ReasonEndedRandomly            = "ended randomly"
)

type Retirement struct {
	ID        string    `json:"id"`
	Mechanism Mechanism `json:"mechanism"`
	Round     int       `json:"round"`
}
