// Package session drives one rotation game: it owns the rotation state,
// runs each round's input barriers, and commits records, totals, logs and
// snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/telemetry"
)

type Options struct {
	SessionID string
	Treatment string

	ProductionTimeout time.Duration
	VoteTimeout       time.Duration
	LegacyTimeout     time.Duration

	// SnapshotEveryRounds of 0 writes snapshots only at start and end.
	SnapshotEveryRounds int

	Logger *log.Logger
}

type Driver struct {
	cfg           rotation.Config
	opts          Options
	seed          uint64
	roster        []rotation.Participant
	initialVoters []string
	rng           *rotation.Rand
	log           *log.Logger
	tracer        trace.Tracer

	roundLog RoundLogger
	snapSink chan<- snapshot.SnapshotV1
	notifier Notifier
	metrics  *telemetry.RoundMetrics

	mu         sync.RWMutex
	state      *rotation.State
	round      int
	recordBase int
	records    []rotation.RoundRecord
	totals     map[string]float64
	rngState   []byte
	digest     string
	lastPot    float64
}

// New validates cfg against the roster, seeds the random stream and
// assigns roles.
func New(cfg rotation.Config, roster []rotation.Participant, seed uint64, opts Options) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(roster) < cfg.NumVoters+1 {
		return nil, &rotation.ConfigurationError{
			Field:  "participants",
			Reason: fmt.Sprintf("need at least %d participants for %d voters and a representative, got %d", cfg.NumVoters+1, cfg.NumVoters, len(roster)),
		}
	}
	rng := rotation.NewRand(seed)
	st, err := rotation.Initialize(roster, cfg.NumVoters, rng)
	if err != nil {
		return nil, err
	}
	st.RepCoefficient = cfg.RepCoefficient
	st.VoterCoefficient = cfg.VoterCoefficient

	d := newDriver(cfg, roster, seed, opts, rng)
	d.state = st
	d.initialVoters = append([]string(nil), st.VoterIDs...)
	for _, p := range roster {
		d.totals[p.ID] = 0
	}
	if err := d.refreshDigestLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// Import resumes a driver from a snapshot. Zero timeouts in opts fall back
// to the ones captured in the snapshot.
func Import(snap snapshot.SnapshotV1, opts Options) (*Driver, error) {
	if snap.Header.Version != snapshot.Version {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if err := snap.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.SessionID == "" {
		opts.SessionID = snap.Header.SessionID
	}
	if opts.Treatment == "" {
		opts.Treatment = snap.Treatment
	}
	if opts.ProductionTimeout == 0 {
		opts.ProductionTimeout = time.Duration(snap.ProductionTimeoutMS) * time.Millisecond
	}
	if opts.VoteTimeout == 0 {
		opts.VoteTimeout = time.Duration(snap.VoteTimeoutMS) * time.Millisecond
	}
	if opts.LegacyTimeout == 0 {
		opts.LegacyTimeout = time.Duration(snap.LegacyTimeoutMS) * time.Millisecond
	}
	if opts.SnapshotEveryRounds == 0 {
		opts.SnapshotEveryRounds = snap.SnapshotEveryRounds
	}

	rng := rotation.NewRand(0)
	if err := rng.UnmarshalBinary(snap.RNG); err != nil {
		return nil, fmt.Errorf("restore rng: %w", err)
	}
	st := snap.State
	if st.Retired == nil {
		st.Retired = []rotation.Retirement{}
	}
	if err := rotation.CheckInvariants(&st, snap.InitialVoters, snap.Header.Round); err != nil {
		return nil, err
	}

	d := newDriver(snap.Config, snap.Roster, snap.Seed, opts, rng)
	d.state = st.Clone()
	d.initialVoters = append([]string(nil), snap.InitialVoters...)
	d.round = snap.Header.Round
	d.recordBase = snap.Records
	for k, v := range snap.Totals {
		d.totals[k] = v
	}
	if err := d.refreshDigestLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

func newDriver(cfg rotation.Config, roster []rotation.Participant, seed uint64, opts Options, rng *rotation.Rand) *Driver {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Driver{
		cfg:    cfg,
		opts:   opts,
		seed:   seed,
		roster: append([]rotation.Participant(nil), roster...),
		rng:    rng,
		log:    logger,
		tracer: telemetry.Tracer("lameduck.lab/session"),
		totals: map[string]float64{},
	}
}

func (d *Driver) SetRoundLogger(l RoundLogger)                  { d.roundLog = l }
func (d *Driver) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { d.snapSink = ch }
func (d *Driver) SetNotifier(n Notifier)                        { d.notifier = n }
func (d *Driver) SetMetrics(m *telemetry.RoundMetrics)          { d.metrics = m }

func (d *Driver) Config() rotation.Config        { return d.cfg }
func (d *Driver) Roster() []rotation.Participant { return append([]rotation.Participant(nil), d.roster...) }
func (d *Driver) SessionID() string              { return d.opts.SessionID }

func (d *Driver) refreshDigestLocked() error {
	b, err := d.rng.MarshalBinary()
	if err != nil {
		return fmt.Errorf("rng state: %w", err)
	}
	d.rngState = b
	d.digest = rotation.StateDigest(d.round, d.state, b, d.totals)
	return nil
}

// Run plays rounds until the game concludes or ctx is cancelled.
func (d *Driver) Run(ctx context.Context, in Inputs) error {
	for {
		if over, _ := d.Concluded(); over {
			return nil
		}
		if _, err := d.PlayRound(ctx, in); err != nil {
			if errors.Is(err, rotation.ErrGameOver) {
				return nil
			}
			return err
		}
	}
}

// PlayRound runs one round to commit. Nothing is committed when ctx is
// cancelled or an invariant fails; the random stream is rewound too.
func (d *Driver) PlayRound(ctx context.Context, in Inputs) (rotation.RoundRecord, error) {
	d.mu.RLock()
	st := d.state.Clone()
	round := d.round + 1
	lastPot := d.lastPot
	rngBefore := append([]byte(nil), d.rngState...)
	d.mu.RUnlock()

	if st.GameOver {
		return rotation.RoundRecord{}, rotation.ErrGameOver
	}

	ctx, span := d.tracer.Start(ctx, "session.round", trace.WithAttributes(
		attribute.String("session", d.opts.SessionID),
		attribute.String("treatment", d.opts.Treatment),
		attribute.Int("round", round),
	))
	defer span.End()

	rec, inputs, err := d.playStages(ctx, st, round, lastPot, in)
	if err != nil {
		if rerr := d.rng.UnmarshalBinary(rngBefore); rerr != nil {
			d.log.Printf("session %s: rewind rng: %v", d.opts.SessionID, rerr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return rotation.RoundRecord{}, err
	}
	if err := d.commit(ctx, st, rec, inputs); err != nil {
		return rotation.RoundRecord{}, err
	}
	return rec, nil
}

func (d *Driver) playStages(ctx context.Context, st *rotation.State, round int, lastPot float64, in Inputs) (rotation.RoundRecord, RecordedInputs, error) {
	var inputs RecordedInputs
	groups := rotation.ComputeGroups(st, d.roster)
	if d.notifier != nil {
		d.notifier.RoundStarted(statusOf(st, d.opts.SessionID, d.opts.Treatment, d.cfg.Kind, round-1), groups)
	}

	rec := rotation.RoundRecord{
		RoundNumber:      round,
		ActiveRepID:      st.CurrentRepID,
		TermRound:        st.TermRoundCounter,
		RepCoefficient:   st.RepCoefficient,
		VoterCoefficient: st.VoterCoefficient,
	}
	base := StagePrompt{
		Round:            round,
		Kind:             d.cfg.Kind,
		RepID:            st.CurrentRepID,
		VoterIDs:         append([]string(nil), st.VoterIDs...),
		RepCoefficient:   st.RepCoefficient,
		VoterCoefficient: st.VoterCoefficient,
		ScoreMin:         d.cfg.ScoreMin,
		ScoreMax:         d.cfg.ScoreMax,
		LastPot:          lastPot,
	}

	// Production.
	p := base
	p.Stage = StageProduction
	p.Expected = append([]string(nil), groups.Active...)
	var raw map[string]int
	if err := d.barrier(ctx, p, d.opts.ProductionTimeout, func(sctx context.Context, p StagePrompt) (int, error) {
		var err error
		raw, err = in.Contributions(sctx, p)
		return len(raw), err
	}); err != nil {
		return rec, inputs, err
	}
	inputs.Contributions = raw
	scores, missing := rotation.NormalizeContributions(groups.Active, raw, d.cfg.ScoreMin, d.cfg.ScoreMax)
	pot, payoffs := rotation.Payoffs(st, scores, d.cfg)
	rec.ContributionScores = scores
	rec.MissingContributions = missing
	rec.CollectivePot = pot

	// Voting.
	var ballots map[string]rotation.Ballot
	if d.cfg.Kind.HasVoting() {
		p := base
		p.Stage = StageVote
		p.Expected = append([]string(nil), st.VoterIDs...)
		var rawBallots map[string]bool
		if err := d.barrier(ctx, p, d.opts.VoteTimeout, func(sctx context.Context, p StagePrompt) (int, error) {
			var err error
			rawBallots, err = in.Ballots(sctx, p)
			return len(rawBallots), err
		}); err != nil {
			return rec, inputs, err
		}
		inputs.Ballots = rawBallots
		ballots = rotation.FilterBallots(st, rawBallots)
		rec.VoterBallots = ballots
	}
	rec.RemoveVoteCount = rotation.Tally(ballots)

	// Removal and rotation.
	dec := rotation.Decide(d.cfg, st, rec.RemoveVoteCount, round, d.rng)
	rotation.ApplyDecision(st, dec)
	outgoing := st.CurrentRepID
	promoted, err := rotation.ApplyRemoval(st, dec, round)
	if err != nil {
		return rec, inputs, err
	}
	rec.RemovalOutcome = dec.Outcome
	rec.RemovalMechanism = dec.Mechanism
	rec.ChaosInverted = dec.Inverted
	rec.PromotedRepID = promoted

	// Legacy.
	if rotation.LegacyOffered(d.cfg, st, dec) {
		p := base
		p.Stage = StageLegacy
		p.Expected = []string{outgoing}
		p.RepID = outgoing
		var choice rotation.LegacyChoice
		var ok bool
		if err := d.barrier(ctx, p, d.opts.LegacyTimeout, func(sctx context.Context, p StagePrompt) (int, error) {
			var err error
			choice, ok, err = in.Legacy(sctx, p)
			if ok && choice.Valid() {
				return 1, err
			}
			return 0, err
		}); err != nil {
			return rec, inputs, err
		}
		if !ok || !choice.Valid() {
			choice = rotation.LegacyNeutral
			rec.LegacyTimedOut = true
		} else {
			inputs.Legacy = choice
		}
		cost := rotation.ApplyLegacy(st, choice, d.cfg.Stage2Cost)
		payoffs[outgoing] -= cost
		rec.LegacyDecision = choice
		rec.LegacyCost = cost
	}
	rec.Payoffs = payoffs

	// Horizon.
	rotation.CheckContinuation(st, d.cfg, round, d.rng)
	if err := rotation.CheckInvariants(st, d.initialVoters, round); err != nil {
		return rec, inputs, err
	}
	rec.GameOver = st.GameOver
	rec.GameOverReason = st.GameOverReason
	return rec, inputs, nil
}

// barrier runs one input stage under its window. A stage that runs past
// its window keeps whatever was collected. Cancellation of the parent
// context aborts the round.
func (d *Driver) barrier(ctx context.Context, p StagePrompt, timeout time.Duration, collect func(context.Context, StagePrompt) (int, error)) error {
	sctx, cancel := stageContext(ctx, timeout)
	defer cancel()
	if dl, ok := sctx.Deadline(); ok {
		p.Deadline = dl
	}
	start := time.Now()
	got, err := collect(sctx, p)
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("round %d %s: %w", p.Round, p.Stage, cerr)
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("round %d %s: %w", p.Round, p.Stage, err)
	}
	missing := len(p.Expected) - got
	if missing < 0 {
		missing = 0
	}
	if missing > 0 {
		d.log.Printf("session %s round %d: %s closed with %d missing", d.opts.SessionID, p.Round, p.Stage, missing)
	}
	d.metrics.Stage(ctx, string(p.Stage), float64(time.Since(start).Microseconds())/1000, missing)
	return nil
}

func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (d *Driver) commit(ctx context.Context, st *rotation.State, rec rotation.RoundRecord, inputs RecordedInputs) error {
	d.mu.Lock()
	prevState, prevRound := d.state, d.round
	d.state = st
	d.round = rec.RoundNumber
	for id, v := range rec.Payoffs {
		d.totals[id] += v
	}
	if err := d.refreshDigestLocked(); err != nil {
		for id, v := range rec.Payoffs {
			d.totals[id] -= v
		}
		d.state, d.round = prevState, prevRound
		d.mu.Unlock()
		return err
	}
	d.records = append(d.records, rec)
	d.lastPot = rec.CollectivePot
	digest := d.digest
	status := statusOf(st, d.opts.SessionID, d.opts.Treatment, d.cfg.Kind, d.round)
	d.mu.Unlock()

	if d.roundLog != nil {
		entry := RoundLogEntry{
			SessionID: d.opts.SessionID,
			Round:     rec.RoundNumber,
			Inputs:    inputs,
			Record:    rec,
			Digest:    digest,
		}
		if err := d.roundLog.WriteRound(entry); err != nil {
			d.log.Printf("session %s round %d: round log: %v", d.opts.SessionID, rec.RoundNumber, err)
		}
	}

	d.metrics.Round(ctx, d.opts.Treatment, rec.CollectivePot)
	if rec.RemovalMechanism != rotation.MechanismNone {
		d.metrics.Removal(ctx, d.opts.Treatment, string(rec.RemovalMechanism))
	}
	if rec.GameOver {
		d.log.Printf("session %s concluded at round %d: %s", d.opts.SessionID, rec.RoundNumber, rec.GameOverReason)
		d.metrics.Concluded(ctx, d.opts.Treatment, rec.GameOverReason)
	}

	every := d.opts.SnapshotEveryRounds
	if rec.GameOver || (every > 0 && rec.RoundNumber%every == 0) {
		d.emitSnapshot()
	}

	if d.notifier != nil {
		d.notifier.RoundCommitted(rec, Summarize(rec, d.cfg), status)
		if rec.GameOver {
			d.notifier.Concluded(status, d.Totals())
		}
	}
	return nil
}

// EmitInitialSnapshot queues the round-zero snapshot replays start from.
func (d *Driver) EmitInitialSnapshot() { d.emitSnapshot() }

func (d *Driver) emitSnapshot() {
	if d.snapSink == nil {
		return
	}
	snap := d.ExportSnapshot()
	select {
	case d.snapSink <- snap:
	default:
		d.log.Printf("session %s: snapshot sink full, dropped round %d", d.opts.SessionID, snap.Header.Round)
	}
}

func (d *Driver) ExportSnapshot() snapshot.SnapshotV1 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	totals := make(map[string]float64, len(d.totals))
	for k, v := range d.totals {
		totals[k] = v
	}
	return snapshot.SnapshotV1{
		Header:              snapshot.Header{Version: snapshot.Version, SessionID: d.opts.SessionID, Round: d.round},
		Treatment:           d.opts.Treatment,
		Seed:                d.seed,
		Config:              d.cfg,
		Roster:              append([]rotation.Participant(nil), d.roster...),
		InitialVoters:       append([]string(nil), d.initialVoters...),
		State:               *d.state.Clone(),
		RNG:                 append([]byte(nil), d.rngState...),
		Totals:              totals,
		Records:             d.recordBase + len(d.records),
		ProductionTimeoutMS: d.opts.ProductionTimeout.Milliseconds(),
		VoteTimeoutMS:       d.opts.VoteTimeout.Milliseconds(),
		LegacyTimeoutMS:     d.opts.LegacyTimeout.Milliseconds(),
		SnapshotEveryRounds: d.opts.SnapshotEveryRounds,
	}
}

// StepRecorded replays one logged round and returns the recomputed digest.
func (d *Driver) StepRecorded(ctx context.Context, entry RoundLogEntry) (string, error) {
	d.mu.RLock()
	next := d.round + 1
	d.mu.RUnlock()
	if entry.Round != next {
		return "", fmt.Errorf("round log out of order: got round %d, want %d", entry.Round, next)
	}
	if _, err := d.PlayRound(ctx, entry.Inputs); err != nil {
		return "", err
	}
	return d.Digest(), nil
}

// Read-only views.

func (d *Driver) Round() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.round
}

func (d *Driver) Digest() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.digest
}

func (d *Driver) Status() StatusView {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return statusOf(d.state, d.opts.SessionID, d.opts.Treatment, d.cfg.Kind, d.round)
}

func (d *Driver) RoleOf(id string) rotation.Role {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return rotation.RoleOf(d.state, id)
}

// Records returns the rounds committed by this process. A resumed driver
// holds only rounds played after the resume.
func (d *Driver) Records() []rotation.RoundRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]rotation.RoundRecord(nil), d.records...)
}

func (d *Driver) Totals() Totals {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return totalsOf(d.totals, d.initialVoters)
}

func (d *Driver) Concluded() (bool, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.GameOver, d.state.GameOverReason
}
