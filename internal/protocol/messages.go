package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Label           string `json:"label,omitempty"`
	ResumeToken     string `json:"resume_token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ParticipantID   string `json:"participant_id"`
	ResumeToken     string `json:"resume_token"`
	SessionID       string `json:"session_id"`
	Treatment       string `json:"treatment"`
	Kind            string `json:"kind"`
	// Seats is the roster size; Joined counts participants seated so far.
	Seats  int `json:"seats"`
	Joined int `json:"joined"`
}

// STATUS (server -> client): the participant's view at round start.
type StatusMsg struct {
	Type             string   `json:"type"`
	ProtocolVersion  string   `json:"protocol_version"`
	Round            int      `json:"round"`
	Role             string   `json:"role"`
	PermanentRole    string   `json:"permanent_role,omitempty"`
	Active           bool     `json:"active"`
	CurrentRepID     string   `json:"current_rep_id,omitempty"`
	VoterIDs         []string `json:"voter_ids"`
	Pool             []string `json:"pool"`
	Retired          []string `json:"retired"`
	TermRound        int      `json:"term_round"`
	RepCoefficient   float64  `json:"rep_coefficient"`
	VoterCoefficient float64  `json:"voter_coefficient"`
	LegacyEffect     string   `json:"legacy_effect"`
	GameOver         bool     `json:"game_over"`
	Reason           string   `json:"reason,omitempty"`
}

// PROMPT (server -> client): an open input stage.
type PromptMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Round           int    `json:"round"`
	Stage           string `json:"stage"`
	Role            string `json:"role"`
	// DeadlineUnixMS is 0 when the stage has no window.
	DeadlineUnixMS int64 `json:"deadline_unix_ms"`

	// Production.
	Rate     float64 `json:"rate,omitempty"`
	ScoreMin int     `json:"score_min,omitempty"`
	ScoreMax int     `json:"score_max,omitempty"`

	// Vote.
	ActiveRepID string `json:"active_rep_id,omitempty"`

	// Legacy.
	LegacyOptions []string `json:"legacy_options,omitempty"`
	Stage2Cost    float64  `json:"stage2_cost,omitempty"`
}

// SUBMIT (client -> server). Exactly one of Score/Replace/Legacy is
// read, selected by Stage.
type SubmitMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Round           int    `json:"round"`
	Stage           string `json:"stage"`
	Score           *int   `json:"score,omitempty"`
	Replace         *bool  `json:"replace,omitempty"`
	Legacy          string `json:"legacy,omitempty"`
	LegacyCode      *int   `json:"legacy_code,omitempty"`
}

type VoteSummary struct {
	ReplaceVotes int    `json:"replace_votes"`
	KeepVotes    int    `json:"keep_votes"`
	Abstained    int    `json:"abstained"`
	Result       string `json:"result"`
	NextRep      string `json:"next_rep"`
}

// ROUND_RESULT (server -> client)
type RoundResultMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	Round           int          `json:"round"`
	Pot             float64      `json:"pot"`
	Payoff          float64      `json:"payoff"`
	Vote            *VoteSummary `json:"vote,omitempty"`
	Outcome         string       `json:"outcome"`
	Mechanism       string       `json:"mechanism,omitempty"`
	Legacy          string       `json:"legacy,omitempty"`
	LegacyEffect    string       `json:"legacy_effect"`
	GameOver        bool         `json:"game_over"`
}

// CONCLUDED (server -> client)
type ConcludedMsg struct {
	Type            string  `json:"type"`
	ProtocolVersion string  `json:"protocol_version"`
	Reason          string  `json:"reason"`
	Rounds          int     `json:"rounds"`
	OwnTotal        float64 `json:"own_total"`
	VoterPoints     float64 `json:"voter_points"`
	RepPoints       float64 `json:"rep_points"`
	Overall         float64 `json:"overall"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
