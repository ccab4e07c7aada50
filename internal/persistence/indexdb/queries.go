package indexdb

import (
	"context"
	"database/sql"
)

type SessionSummary struct {
	SessionID    string `json:"session_id"`
	Treatment    string `json:"treatment"`
	Kind         string `json:"kind"`
	Participants int    `json:"participants"`
	StartedAt    string `json:"started_at"`
	ConcludedAt  string `json:"concluded_at,omitempty"`
	FinalRound   int    `json:"final_round,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Rounds       int    `json:"rounds"`
}

func (s *Index) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.session_id, s.treatment, s.kind, s.participants, s.started_at,
			s.concluded_at, s.final_round, s.reason,
			(SELECT COUNT(*) FROM rounds r WHERE r.session_id = s.session_id)
		FROM sessions s ORDER BY s.started_at, s.session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			ss          SessionSummary
			concludedAt sql.NullString
			finalRound  sql.NullInt64
			reason      sql.NullString
		)
		if err := rows.Scan(&ss.SessionID, &ss.Treatment, &ss.Kind, &ss.Participants, &ss.StartedAt,
			&concludedAt, &finalRound, &reason, &ss.Rounds); err != nil {
			return nil, err
		}
		ss.ConcludedAt = concludedAt.String
		ss.FinalRound = int(finalRound.Int64)
		ss.Reason = reason.String
		out = append(out, ss)
	}
	return out, rows.Err()
}

type RoundRow struct {
	Round       int     `json:"round"`
	ActiveRepID string  `json:"active_rep_id"`
	TermRound   int     `json:"term_round"`
	Pot         float64 `json:"pot"`
	RemoveVotes int     `json:"remove_votes"`
	Outcome     string  `json:"outcome"`
	Mechanism   string  `json:"mechanism,omitempty"`
	Promoted    string  `json:"promoted,omitempty"`
	Legacy      string  `json:"legacy,omitempty"`
	Digest      string  `json:"digest"`
}

func (s *Index) Rounds(ctx context.Context, sessionID string) ([]RoundRow, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT round, active_rep, term_round, pot, remove_votes,
			outcome, mechanism, promoted, legacy, digest
		FROM rounds WHERE session_id = ? ORDER BY round`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoundRow
	for rows.Next() {
		var r RoundRow
		if err := rows.Scan(&r.Round, &r.ActiveRepID, &r.TermRound, &r.Pot, &r.RemoveVotes,
			&r.Outcome, &r.Mechanism, &r.Promoted, &r.Legacy, &r.Digest); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ParticipantTotals sums payoffs per participant for one session.
func (s *Index) ParticipantTotals(ctx context.Context, sessionID string) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`SELECT participant_id, SUM(amount)
		FROM payoffs WHERE session_id = ? GROUP BY participant_id`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var (
			id  string
			sum float64
		)
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, err
		}
		out[id] = sum
	}
	return out, rows.Err()
}

// RemovalCounts counts retirements by mechanism across all sessions.
func (s *Index) RemovalCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mechanism, COUNT(*) FROM retirements GROUP BY mechanism`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			m string
			n int
		)
		if err := rows.Scan(&m, &n); err != nil {
			return nil, err
		}
		out[m] = n
	}
	return out, rows.Err()
}
