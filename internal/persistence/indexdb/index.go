// Package indexdb keeps a queryable read model of sessions, rounds,
// ballots and payoffs. The round log stays the source of truth; writes
// here are queued and dropped under backpressure.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

const defaultQueueSize = 16384

type Index struct {
	db      *sql.DB
	dialect dialect

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropSession    atomic.Uint64
	dropRound      atomic.Uint64
	dropSnapshot   atomic.Uint64
	dropConclusion atomic.Uint64
	writeFail      atomic.Uint64
}

type reqKind int

const (
	reqSession reqKind = iota + 1
	reqRound
	reqSnapshot
	reqConclusion
	reqFlush
)

type req struct {
	kind reqKind

	session    SessionRow
	round      session.RoundLogEntry
	snapshot   snapshotRow
	conclusion conclusionRow
	done       chan struct{}
}

// SessionRow describes a session when it starts.
type SessionRow struct {
	SessionID    string
	Treatment    string
	Seed         uint64
	Participants int
	Config       rotation.Config
	StartedAt    time.Time
}

type snapshotRow struct {
	SessionID string
	Round     int
	Path      string
	Seed      uint64
	GameOver  bool
	Pool      int
	Retired   int
}

type conclusionRow struct {
	SessionID  string
	FinalRound int
	Reason     string
	At         time.Time
}

type Stats struct {
	Backend           string `json:"backend"`
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropSessionTotal  uint64 `json:"drop_session_total"`
	DropRoundTotal    uint64 `json:"drop_round_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	DropConcludeTotal uint64 `json:"drop_conclude_total"`
	WriteFailTotal    uint64 `json:"write_fail_total"`
}

func newIndex(db *sql.DB, d dialect, queue int) *Index {
	s := &Index{
		db:      db,
		dialect: d,
		ch:      make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s
}

func (s *Index) Backend() string {
	if s == nil {
		return "none"
	}
	return s.dialect.String()
}

func (s *Index) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Index) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

func (s *Index) RecordSession(row SessionRow) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSession, session: row}, &s.dropSession)
}

// WriteRound implements session.RoundLogger. It never fails; the
// entry is dropped if the queue is full.
func (s *Index) WriteRound(e session.RoundLogEntry) error {
	if s == nil {
		return nil
	}
	s.enqueue(req{kind: reqRound, round: e}, &s.dropRound)
	return nil
}

func (s *Index) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		SessionID: snap.Header.SessionID,
		Round:     snap.Header.Round,
		Path:      path,
		Seed:      snap.Seed,
		GameOver:  snap.State.GameOver,
		Pool:      len(snap.State.RepPoolQueue),
		Retired:   len(snap.State.Retired),
	}}, &s.dropSnapshot)
}

func (s *Index) RecordConclusion(sessionID string, finalRound int, reason string) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqConclusion, conclusion: conclusionRow{
		SessionID:  sessionID,
		FinalRound: finalRound,
		Reason:     reason,
		At:         time.Now().UTC(),
	}}, &s.dropConclusion)
}

// Flush blocks until everything queued before it is committed.
func (s *Index) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Index) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Backend:           s.dialect.String(),
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropSessionTotal:  s.dropSession.Load(),
		DropRoundTotal:    s.dropRound.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		DropConcludeTotal: s.dropConclusion.Load(),
		WriteFailTotal:    s.writeFail.Load(),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Index) loop() {
	ctx := context.Background()
	q := s.dialect.rebind

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeFail.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFail.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		s.writeFail.Add(1)
	}
	exec := func(query string, args ...any) bool {
		if _, err := tx.Exec(q(query), args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqSession:
			row := r.session
			cfg, _ := json.Marshal(row.Config)
			exec(`INSERT INTO sessions(session_id,treatment,kind,seed,participants,config_json,started_at)
				VALUES(?,?,?,?,?,?,?)
				ON CONFLICT(session_id) DO UPDATE SET treatment=excluded.treatment, kind=excluded.kind,
					seed=excluded.seed, participants=excluded.participants, config_json=excluded.config_json`,
				row.SessionID, row.Treatment, string(row.Config.Kind), int64(row.Seed), row.Participants,
				string(cfg), row.StartedAt.UTC().Format(time.RFC3339Nano))

		case reqRound:
			s.writeRound(r.round, exec)

		case reqSnapshot:
			sn := r.snapshot
			exec(`INSERT INTO snapshots(session_id,round,path,seed,game_over,pool,retired) VALUES(?,?,?,?,?,?,?)
				ON CONFLICT(session_id,round) DO UPDATE SET path=excluded.path, game_over=excluded.game_over,
					pool=excluded.pool, retired=excluded.retired`,
				sn.SessionID, sn.Round, sn.Path, int64(sn.Seed), boolInt(sn.GameOver), sn.Pool, sn.Retired)

		case reqConclusion:
			c := r.conclusion
			exec(`UPDATE sessions SET concluded_at=?, final_round=?, reason=? WHERE session_id=?`,
				c.At.Format(time.RFC3339Nano), c.FinalRound, c.Reason, c.SessionID)
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func (s *Index) writeRound(e session.RoundLogEntry, exec func(string, ...any) bool) {
	rec := e.Record
	raw, _ := json.Marshal(e)
	if !exec(`INSERT INTO rounds(session_id,round,active_rep,term_round,pot,remove_votes,outcome,mechanism,
			chaos_inverted,promoted,legacy,game_over,digest,raw_json)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(session_id,round) DO UPDATE SET digest=excluded.digest, raw_json=excluded.raw_json`,
		e.SessionID, rec.RoundNumber, rec.ActiveRepID, rec.TermRound, rec.CollectivePot, rec.RemoveVoteCount,
		string(rec.RemovalOutcome), string(rec.RemovalMechanism), boolInt(rec.ChaosInverted),
		rec.PromotedRepID, string(rec.LegacyDecision), boolInt(rec.GameOver), e.Digest, string(raw)) {
		return
	}

	voters := make([]string, 0, len(rec.VoterBallots))
	for id := range rec.VoterBallots {
		voters = append(voters, id)
	}
	sort.Strings(voters)
	for _, id := range voters {
		if !exec(`INSERT INTO ballots(session_id,round,voter_id,ballot) VALUES(?,?,?,?)
				ON CONFLICT(session_id,round,voter_id) DO UPDATE SET ballot=excluded.ballot`,
			e.SessionID, rec.RoundNumber, id, string(rec.VoterBallots[id])) {
			return
		}
	}

	ids := make([]string, 0, len(rec.Payoffs))
	for id := range rec.Payoffs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if !exec(`INSERT INTO payoffs(session_id,round,participant_id,amount) VALUES(?,?,?,?)
				ON CONFLICT(session_id,round,participant_id) DO UPDATE SET amount=excluded.amount`,
			e.SessionID, rec.RoundNumber, id, rec.Payoffs[id]) {
			return
		}
	}

	if rec.RemovalMechanism != rotation.MechanismNone && rec.ActiveRepID != "" {
		exec(`INSERT INTO retirements(session_id,participant_id,round,mechanism) VALUES(?,?,?,?)
				ON CONFLICT(session_id,participant_id) DO UPDATE SET round=excluded.round, mechanism=excluded.mechanism`,
			e.SessionID, rec.ActiveRepID, rec.RoundNumber, string(rec.RemovalMechanism))
	}
}
