package rotation

import (
	"sort"
	"strconv"
	"strings"
)

// RoundRecord is the append-only outcome of one round. Field names are
// part of the export format and must stay stable.
type RoundRecord struct {
	RoundNumber int    `json:"round_number"`
	ActiveRepID string `json:"active_rep_id"`
	TermRound   int    `json:"term_round"`

	ContributionScores   map[string]int `json:"contribution_scores"`
	MissingContributions []string       `json:"missing_contributions,omitempty"`
	RepCoefficient       float64        `json:"rep_coefficient"`
	VoterCoefficient     float64        `json:"voter_coefficient"`
	CollectivePot        float64        `json:"collective_pot"`

	VoterBallots     map[string]Ballot `json:"voter_ballots,omitempty"`
	RemoveVoteCount  int               `json:"remove_vote_count"`
	RemovalOutcome   RemovalOutcome    `json:"removal_outcome"`
	RemovalMechanism Mechanism         `json:"removal_mechanism,omitempty"`
	ChaosInverted    bool              `json:"chaos_inverted,omitempty"`
	PromotedRepID    string            `json:"promoted_rep_id,omitempty"`

	LegacyDecision LegacyChoice `json:"legacy_decision,omitempty"`
	LegacyTimedOut bool         `json:"legacy_timed_out,omitempty"`
	LegacyCost     float64      `json:"legacy_cost,omitempty"`

	Payoffs map[string]float64 `json:"payoffs"`

	GameOver       bool   `json:"game_over"`
	GameOverReason string `json:"game_over_reason,omitempty"`
}

// FlatColumns is the fixed column order of FlatRow.
var FlatColumns = []string{
	"round_number", "active_rep_id", "term_round",
	"contribution_scores", "missing_contributions",
	"rep_coefficient", "voter_coefficient", "collective_pot",
	"voter_ballots", "remove_vote_count", "removal_outcome", "removal_mechanism",
	"chaos_inverted", "promoted_rep_id",
	"legacy_decision", "legacy_timed_out", "legacy_cost",
	"payoffs", "game_over", "game_over_reason",
}

// FlatRow renders the record as strings in FlatColumns order. Maps are
// encoded as sorted id=value pairs joined by ';'.
func (r RoundRecord) FlatRow() []string {
	ballots := make(map[string]string, len(r.VoterBallots))
	for k, v := range r.VoterBallots {
		ballots[k] = string(v)
	}
	scores := make(map[string]string, len(r.ContributionScores))
	for k, v := range r.ContributionScores {
		scores[k] = strconv.Itoa(v)
	}
	payoffs := make(map[string]string, len(r.Payoffs))
	for k, v := range r.Payoffs {
		payoffs[k] = formatFloat(v)
	}
	return []string{
		strconv.Itoa(r.RoundNumber),
		r.ActiveRepID,
		strconv.Itoa(r.TermRound),
		joinPairs(scores),
		strings.Join(r.MissingContributions, ";"),
		formatFloat(r.RepCoefficient),
		formatFloat(r.VoterCoefficient),
		formatFloat(r.CollectivePot),
		joinPairs(ballots),
		strconv.Itoa(r.RemoveVoteCount),
		string(r.RemovalOutcome),
		string(r.RemovalMechanism),
		strconv.FormatBool(r.ChaosInverted),
		r.PromotedRepID,
		string(r.LegacyDecision),
		strconv.FormatBool(r.LegacyTimedOut),
		formatFloat(r.LegacyCost),
		joinPairs(payoffs),
		strconv.FormatBool(r.GameOver),
		r.GameOverReason,
	}
}

func joinPairs(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+m[k])
	}
	return strings.Join(parts, ";")
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
