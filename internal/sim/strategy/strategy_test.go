package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/sim/treatment"
)

func roster(n int) []rotation.Participant {
	out := make([]rotation.Participant, n)
	for i := range out {
		out[i] = rotation.Participant{ID: fmt.Sprintf("P%d", i+1)}
	}
	return out
}

func configFor(t *testing.T, id string) rotation.Config {
	t.Helper()
	cat, err := treatment.Load("")
	if err != nil {
		t.Fatalf("load treatments: %v", err)
	}
	spec, err := cat.Lookup(id)
	if err != nil {
		t.Fatalf("lookup %s: %v", id, err)
	}
	return spec.Config()
}

func run(t *testing.T, cfg rotation.Config, seed uint64, d Decider) *session.Driver {
	t.Helper()
	drv, err := session.New(cfg, roster(8), seed, session.Options{SessionID: "sim"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := drv.Run(context.Background(), AsInputs(d)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return drv
}

func TestThreshold_VotesOutEveryRoundAfterTheFirst(t *testing.T) {
	drv := run(t, configFor(t, "T2a"), 1, NewThreshold(1e9, 10, ""))

	over, reason := drv.Concluded()
	if !over || reason != rotation.ReasonPoolExhausted {
		t.Fatalf("over=%v reason=%q", over, reason)
	}
	recs := drv.Records()
	if len(recs) != 6 {
		t.Fatalf("rounds=%d want 6", len(recs))
	}
	if recs[0].RemovalOutcome != rotation.NotRemoved {
		t.Fatalf("round 1 outcome=%s", recs[0].RemovalOutcome)
	}
	for _, r := range recs[1:] {
		if r.RemovalMechanism != rotation.MechanismVotedOut {
			t.Fatalf("round %d mechanism=%q", r.RoundNumber, r.RemovalMechanism)
		}
	}
}

func TestThreshold_KeepsWhenPotIsHigh(t *testing.T) {
	drv := run(t, configFor(t, "T2a"), 1, NewThreshold(0, 10, ""))
	over, reason := drv.Concluded()
	if !over || reason != rotation.ReasonMaxRounds {
		t.Fatalf("over=%v reason=%q", over, reason)
	}
	for _, r := range drv.Records() {
		if r.RemovalOutcome != rotation.NotRemoved {
			t.Fatalf("round %d removed", r.RoundNumber)
		}
	}
}

func TestRandom_SameSeedSameTrace(t *testing.T) {
	cfg := configFor(t, "T2b")
	a := run(t, cfg, 7, NewRandom(99, 0, 0))
	b := run(t, cfg, 7, NewRandom(99, 0, 0))
	if a.Digest() != b.Digest() || a.Round() != b.Round() {
		t.Fatalf("digests differ: %s@%d vs %s@%d", a.Digest(), a.Round(), b.Digest(), b.Round())
	}
}

func TestRandom_ScoresStayInRange(t *testing.T) {
	r := NewRandom(3, 0, 0)
	p := session.StagePrompt{ScoreMin: 5, ScoreMax: 9}
	for i := 0; i < 200; i++ {
		v, ok := r.Score(p, "P1")
		if !ok || v < 5 || v > 9 {
			t.Fatalf("score=%d ok=%v", v, ok)
		}
	}
}

func TestAbsent_AllDefaults(t *testing.T) {
	drv := run(t, configFor(t, "T1"), 3, Absent{})
	for _, r := range drv.Records() {
		if r.CollectivePot != 0 {
			t.Fatalf("round %d pot=%v want 0", r.RoundNumber, r.CollectivePot)
		}
		if len(r.MissingContributions) != 4 {
			t.Fatalf("round %d missing=%v", r.RoundNumber, r.MissingContributions)
		}
		if r.LegacyDecision != "" && !r.LegacyTimedOut {
			t.Fatalf("round %d legacy %s without timeout", r.RoundNumber, r.LegacyDecision)
		}
	}
}

func TestScript_ParseAndLookup(t *testing.T) {
	src := []byte(`
default:
  score: 20
  replace: false
rounds:
  - round: 2
    contributions: {P1: 50}
    ballots: {P1: true}
    legacy: help
`)
	s, err := ParseScript(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r1 := session.StagePrompt{Round: 1}
	r2 := session.StagePrompt{Round: 2}
	if v, ok := s.Score(r1, "P9"); !ok || v != 20 {
		t.Fatalf("default score=%d ok=%v", v, ok)
	}
	if v, ok := s.Score(r2, "P1"); !ok || v != 50 {
		t.Fatalf("round 2 score=%d ok=%v", v, ok)
	}
	if _, ok := s.Score(r2, "P2"); ok {
		t.Fatalf("unlisted participant in a scripted round must not submit")
	}
	if v, ok := s.Ballot(r2, "P1"); !ok || !v {
		t.Fatalf("round 2 ballot=%v ok=%v", v, ok)
	}
	if c, ok := s.Legacy(r2, "P1"); !ok || c != rotation.LegacyHelp {
		t.Fatalf("legacy=%s ok=%v", c, ok)
	}
	if _, ok := s.Legacy(r1, "P1"); ok {
		t.Fatalf("no default legacy means no submission")
	}
}

func TestScript_Invalid(t *testing.T) {
	bad := []string{
		"rounds:\n  - round: 0\n",
		"rounds:\n  - round: 1\n  - round: 1\n",
		"rounds:\n  - round: 1\n    legacy: bribe\n",
		"default:\n  legacy: maybe\n",
		"rounds: [",
	}
	for _, b := range bad {
		if _, err := ParseScript([]byte(b)); err == nil {
			t.Fatalf("expected error for %q", b)
		}
	}
}

func TestNew_ByName(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.yaml")
	if err := os.WriteFile(path, []byte("default:\n  score: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, o := range []Options{{Name: "random"}, {Name: "THRESHOLD"}, {Name: "absent"}, {Name: "scripted", ScriptPath: path}} {
		if _, err := New(o); err != nil {
			t.Fatalf("New(%s): %v", o.Name, err)
		}
	}
	if _, err := New(Options{Name: "scripted"}); err == nil {
		t.Fatalf("scripted without path must fail")
	}
	if _, err := New(Options{Name: "genius"}); err == nil {
		t.Fatalf("unknown strategy must fail")
	}
}
