package session

import (
	"context"
	"errors"
	"time"

	"lameduck.lab/internal/sim/rotation"
)

type Stage string

const (
	StageProduction Stage = "PRODUCTION"
	StageVote       Stage = "VOTE"
	StageLegacy     Stage = "LEGACY"
)

// StagePrompt describes one input barrier.
type StagePrompt struct {
	Round    int                    `json:"round"`
	Stage    Stage                  `json:"stage"`
	Kind     rotation.TreatmentKind `json:"kind"`
	Expected []string               `json:"expected"`
	RepID    string                 `json:"rep_id,omitempty"`
	VoterIDs []string               `json:"voter_ids"`

	RepCoefficient   float64 `json:"rep_coefficient"`
	VoterCoefficient float64 `json:"voter_coefficient"`
	ScoreMin         int     `json:"score_min"`
	ScoreMax         int     `json:"score_max"`
	LastPot          float64 `json:"last_pot"`

	// Deadline is zero when the stage has no window.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Inputs provides participant decisions. Each call is a barrier: it
// returns once every expected participant answered or ctx is done.
// Returning what was collected with a nil error on deadline is the normal
// timeout path; missing entries take their defaults.
type Inputs interface {
	Contributions(ctx context.Context, p StagePrompt) (map[string]int, error)
	Ballots(ctx context.Context, p StagePrompt) (map[string]bool, error)
	// Legacy reports ok=false when the representative did not answer.
	Legacy(ctx context.Context, p StagePrompt) (choice rotation.LegacyChoice, ok bool, err error)
}

// Notifier receives committed progress. Calls happen on the driver
// goroutine and must not block for long.
type Notifier interface {
	RoundStarted(status StatusView, groups rotation.Groups)
	RoundCommitted(rec rotation.RoundRecord, summary VoteSummary, status StatusView)
	Concluded(status StatusView, totals Totals)
}

// RecordedInputs are the raw submissions of one round, as logged.
// They also serve as Inputs when replaying that round.
type RecordedInputs struct {
	Contributions map[string]int        `json:"contributions,omitempty"`
	Ballots       map[string]bool       `json:"ballots,omitempty"`
	Legacy        rotation.LegacyChoice `json:"legacy,omitempty"`
}

func (r RecordedInputs) Contributions(context.Context, StagePrompt) (map[string]int, error) {
	out := make(map[string]int, len(r.Contributions))
	for k, v := range r.Contributions {
		out[k] = v
	}
	return out, nil
}

func (r RecordedInputs) Ballots(context.Context, StagePrompt) (map[string]bool, error) {
	out := make(map[string]bool, len(r.Ballots))
	for k, v := range r.Ballots {
		out[k] = v
	}
	return out, nil
}

func (r RecordedInputs) Legacy(context.Context, StagePrompt) (rotation.LegacyChoice, bool, error) {
	return r.Legacy, r.Legacy != "", nil
}

// RoundLogEntry is one committed round in the round log.
type RoundLogEntry struct {
	SessionID string               `json:"session_id"`
	Round     int                  `json:"round"`
	Inputs    RecordedInputs       `json:"inputs"`
	Record    rotation.RoundRecord `json:"record"`
	Digest    string               `json:"digest"`
}

type RoundLogger interface {
	WriteRound(entry RoundLogEntry) error
}

// RoundLoggers fans one entry out to several sinks. Every sink is
// written even when an earlier one fails.
type RoundLoggers []RoundLogger

func (ls RoundLoggers) WriteRound(entry RoundLogEntry) error {
	var errs []error
	for _, l := range ls {
		if l == nil {
			continue
		}
		if err := l.WriteRound(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notifiers fans notifications out in order.
type Notifiers []Notifier

func (ns Notifiers) RoundStarted(status StatusView, groups rotation.Groups) {
	for _, n := range ns {
		n.RoundStarted(status, groups)
	}
}

func (ns Notifiers) RoundCommitted(rec rotation.RoundRecord, summary VoteSummary, status StatusView) {
	for _, n := range ns {
		n.RoundCommitted(rec, summary, status)
	}
}

func (ns Notifiers) Concluded(status StatusView, totals Totals) {
	for _, n := range ns {
		n.Concluded(status, totals)
	}
}
