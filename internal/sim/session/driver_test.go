package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
)

type scriptedInputs struct {
	score   int
	replace func(round int, voter string) (vote, ok bool)
	legacy  rotation.LegacyChoice
	prompts []StagePrompt
}

func (s *scriptedInputs) Contributions(_ context.Context, p StagePrompt) (map[string]int, error) {
	s.prompts = append(s.prompts, p)
	out := map[string]int{}
	for _, id := range p.Expected {
		out[id] = s.score
	}
	return out, nil
}

func (s *scriptedInputs) Ballots(_ context.Context, p StagePrompt) (map[string]bool, error) {
	s.prompts = append(s.prompts, p)
	out := map[string]bool{}
	for _, id := range p.Expected {
		if s.replace == nil {
			continue
		}
		if v, ok := s.replace(p.Round, id); ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *scriptedInputs) Legacy(_ context.Context, p StagePrompt) (rotation.LegacyChoice, bool, error) {
	s.prompts = append(s.prompts, p)
	return s.legacy, s.legacy != "", nil
}

// silentInputs never answers and waits for the stage window to close.
type silentInputs struct{}

func (silentInputs) Contributions(ctx context.Context, _ StagePrompt) (map[string]int, error) {
	<-ctx.Done()
	return map[string]int{}, ctx.Err()
}

func (silentInputs) Ballots(ctx context.Context, _ StagePrompt) (map[string]bool, error) {
	<-ctx.Done()
	return map[string]bool{}, ctx.Err()
}

func (silentInputs) Legacy(ctx context.Context, _ StagePrompt) (rotation.LegacyChoice, bool, error) {
	<-ctx.Done()
	return "", false, ctx.Err()
}

type memLog struct{ entries []RoundLogEntry }

func (m *memLog) WriteRound(e RoundLogEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

func testRoster(n int) []rotation.Participant {
	out := make([]rotation.Participant, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, rotation.Participant{ID: fmt.Sprintf("P%d", i)})
	}
	return out
}

func testConfig(kind rotation.TreatmentKind) rotation.Config {
	return rotation.Config{
		Kind:             kind,
		NumVoters:        3,
		TermLength:       3,
		MaxRounds:        10,
		RepSalary:        150,
		Stage2Cost:       50,
		RepCoefficient:   50,
		VoterCoefficient: 5,
		ScoreMin:         0,
		ScoreMax:         50,
		LegacyEligible:   rotation.DefaultLegacyEligible(kind),
	}
}

func TestNew_RejectsShortRoster(t *testing.T) {
	_, err := New(testConfig(rotation.KindVoteOut), testRoster(3), 1, Options{})
	var cfgErr *rotation.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	bad := testConfig(rotation.KindVoteOut)
	bad.TermLength = 0
	if _, err := New(bad, testRoster(5), 1, Options{}); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for term length, got %v", err)
	}
}

func TestRun_NoVoteRotatesOnTermLimit(t *testing.T) {
	cfg := testConfig(rotation.KindNoVote)
	cfg.MaxRounds = 9
	d, err := New(cfg, testRoster(6), 42, Options{SessionID: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in := &scriptedInputs{score: 10, legacy: rotation.LegacyNeutral}
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	recs := d.Records()
	// 3 candidates, 3-round terms: the pool runs dry exactly at round 9.
	if len(recs) != 9 {
		t.Fatalf("rounds = %d", len(recs))
	}
	for _, r := range recs {
		removedNow := r.RemovalMechanism == rotation.MechanismTermLimit
		if removedNow != (r.RoundNumber%3 == 0) {
			t.Fatalf("round %d: mechanism=%q term=%d", r.RoundNumber, r.RemovalMechanism, r.TermRound)
		}
		for _, p := range in.prompts {
			if p.Stage == StageVote {
				t.Fatalf("NO_VOTE prompted for ballots")
			}
		}
	}
	over, reason := d.Concluded()
	if !over || reason != rotation.ReasonPoolExhausted {
		t.Fatalf("concluded=%v reason=%q", over, reason)
	}
	st := d.Status()
	if st.CurrentRepID != "" || len(st.Retired) != 3 || len(st.Pool) != 0 {
		t.Fatalf("final status: %+v", st)
	}
	if _, err := d.PlayRound(context.Background(), in); !errors.Is(err, rotation.ErrGameOver) {
		t.Fatalf("expected ErrGameOver, got %v", err)
	}
}

func TestPlayRound_VoteOutScenario(t *testing.T) {
	d, err := New(testConfig(rotation.KindVoteOut), testRoster(5), 3, Options{SessionID: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	voters := d.Status().VoterIDs
	first := d.Status().CurrentRepID
	second := d.Status().Pool[0]

	votes := map[int][]bool{
		1: {true, true, false},
		2: {false, false, false},
		3: {false, false, true},
	}
	in := &scriptedInputs{score: 4, replace: func(round int, voter string) (bool, bool) {
		for i, v := range voters {
			if v == voter {
				return votes[round][i], true
			}
		}
		return false, false
	}}

	rec, err := d.PlayRound(context.Background(), in)
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}
	if rec.RemovalMechanism != rotation.MechanismVotedOut || rec.PromotedRepID != second || rec.ActiveRepID != first {
		t.Fatalf("round 1 record: %+v", rec)
	}
	sum := Summarize(rec, d.Config())
	if sum.ReplaceVotes != 2 || sum.KeepVotes != 1 || sum.Result != ResultReplace || sum.NextRep != second {
		t.Fatalf("round 1 summary: %+v", sum)
	}
	if got := d.Status(); got.CurrentRepID != second || got.TermRound != 1 {
		t.Fatalf("after round 1: %+v", got)
	}
	if d.RoleOf(first) != rotation.RoleRetired {
		t.Fatalf("first rep role = %v", d.RoleOf(first))
	}

	if _, err := d.PlayRound(context.Background(), in); err != nil {
		t.Fatalf("round 2: %v", err)
	}
	rec, err = d.PlayRound(context.Background(), in)
	if err != nil {
		t.Fatalf("round 3: %v", err)
	}
	if rec.RemovalOutcome != rotation.NotRemoved || rec.RemoveVoteCount != 1 {
		t.Fatalf("round 3 record: %+v", rec)
	}
	st := d.Status()
	if st.CurrentRepID != second || st.TermRound != 3 || st.GameOver {
		t.Fatalf("after round 3: %+v", st)
	}
	for _, r := range d.Records() {
		if r.Payoffs[second] != 150 && r.ActiveRepID == second {
			t.Fatalf("round %d rep salary = %v", r.RoundNumber, r.Payoffs[second])
		}
	}
	// 4*50 + 12*5 = 260 split three ways, three rounds.
	tot := d.Totals()
	if got := tot.ByParticipant[voters[0]]; got != 3*(260.0/3) {
		t.Fatalf("voter total = %v", got)
	}
	if tot.RepPoints != 3*150 || math.Abs(tot.Overall-(tot.VoterPoints+tot.RepPoints)) > 1e-9 {
		t.Fatalf("totals: %+v", tot)
	}
}

func TestPlayRound_TimeoutsUseDefaults(t *testing.T) {
	cfg := testConfig(rotation.KindVoteOut)
	d, err := New(cfg, testRoster(5), 5, Options{
		SessionID:         "s",
		ProductionTimeout: 10 * time.Millisecond,
		VoteTimeout:       10 * time.Millisecond,
		LegacyTimeout:     10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep := d.Status().CurrentRepID
	rec, err := d.PlayRound(context.Background(), silentInputs{})
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if len(rec.MissingContributions) != 4 || rec.CollectivePot != 0 {
		t.Fatalf("production defaults: %+v", rec)
	}
	if len(rec.VoterBallots) != 0 || rec.RemovalOutcome != rotation.NotRemoved {
		t.Fatalf("absent ballots counted: %+v", rec)
	}
	if rec.Payoffs[rep] != 150 {
		t.Fatalf("rep salary = %v", rec.Payoffs[rep])
	}
	if Summarize(rec, cfg).Abstained != 3 {
		t.Fatalf("abstained = %d", Summarize(rec, cfg).Abstained)
	}
}

func TestPlayRound_LegacySabotage(t *testing.T) {
	cfg := testConfig(rotation.KindTermLimitHybrid)
	cfg.TermLength = 1
	cfg.RepSalary = 250
	d, err := New(cfg, testRoster(5), 8, Options{SessionID: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rep := d.Status().CurrentRepID
	in := &scriptedInputs{score: 2, legacy: rotation.LegacySabotage}
	rec, err := d.PlayRound(context.Background(), in)
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}
	if rec.RemovalMechanism != rotation.MechanismTermLimit || rec.LegacyDecision != rotation.LegacySabotage {
		t.Fatalf("record: %+v", rec)
	}
	if rec.Payoffs[rep] != 200 || rec.LegacyCost != 50 {
		t.Fatalf("rep payoff = %v cost=%v", rec.Payoffs[rep], rec.LegacyCost)
	}
	var legacyPrompts int
	for _, p := range in.prompts {
		if p.Stage == StageLegacy {
			legacyPrompts++
			if len(p.Expected) != 1 || p.Expected[0] != rep {
				t.Fatalf("legacy prompt: %+v", p)
			}
		}
	}
	if legacyPrompts != 1 {
		t.Fatalf("legacy prompts = %d", legacyPrompts)
	}
	st := d.Status()
	if st.RepCoefficient != 25 || st.VoterCoefficient != 2.5 || st.LegacyEffect != "Sabotage" {
		t.Fatalf("coefficients after sabotage: %+v", st)
	}
	rec, err = d.PlayRound(context.Background(), in)
	if err != nil {
		t.Fatalf("round 2: %v", err)
	}
	if rec.RepCoefficient != 25 || rec.CollectivePot != 2*25+6*2.5 {
		t.Fatalf("round 2 pot: %+v", rec)
	}
}

func TestPlayRound_LegacyNotOfferedWhenIneligible(t *testing.T) {
	cfg := testConfig(rotation.KindVoteOut)
	cfg.LegacyEligible = []rotation.Mechanism{rotation.MechanismTermLimit}
	d, err := New(cfg, testRoster(5), 8, Options{SessionID: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in := &scriptedInputs{score: 1, legacy: rotation.LegacyHelp, replace: func(int, string) (bool, bool) { return true, true }}
	rec, err := d.PlayRound(context.Background(), in)
	if err != nil {
		t.Fatalf("round: %v", err)
	}
	if rec.RemovalMechanism != rotation.MechanismVotedOut || rec.LegacyDecision != "" {
		t.Fatalf("record: %+v", rec)
	}
	for _, p := range in.prompts {
		if p.Stage == StageLegacy {
			t.Fatalf("legacy offered for voted_out")
		}
	}
}

func TestPlayRound_CancelCommitsNothing(t *testing.T) {
	d, err := New(testConfig(rotation.KindChaosVote), testRoster(6), 11, Options{SessionID: "s"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	before := d.Digest()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.PlayRound(ctx, silentInputs{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d.Round() != 0 || d.Digest() != before || len(d.Records()) != 0 {
		t.Fatalf("cancelled round committed: round=%d", d.Round())
	}
}

func TestReplay_FromInitialSnapshotMatchesDigests(t *testing.T) {
	cfg := testConfig(rotation.KindChaosVote)
	cfg.ChaosProbability = 0.4
	cfg.MaxRounds = 12
	cfg.IndefiniteHorizonStartRound = 4
	cfg.ContinuationProbability = 0.9

	d, err := New(cfg, testRoster(8), 77, Options{SessionID: "s", Treatment: "T2b"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	initial := d.ExportSnapshot()
	logs := &memLog{}
	d.SetRoundLogger(logs)
	in := &scriptedInputs{score: 7, legacy: rotation.LegacyHelp, replace: func(round int, voter string) (bool, bool) {
		return (round+len(voter))%2 == 0, round%5 != 0
	}}
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(logs.entries) == 0 || logs.entries[len(logs.entries)-1].Digest != d.Digest() {
		t.Fatalf("log digests out of sync")
	}

	r, err := Import(initial, Options{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, e := range logs.entries {
		got, err := r.StepRecorded(context.Background(), e)
		if err != nil {
			t.Fatalf("replay round %d: %v", e.Round, err)
		}
		if got != e.Digest {
			t.Fatalf("round %d digest mismatch: %s != %s", e.Round, got, e.Digest)
		}
	}
	if over, reason := r.Concluded(); !over {
		t.Fatalf("replay did not conclude (reason %q)", reason)
	}
	if _, err := r.StepRecorded(context.Background(), RoundLogEntry{Round: 99}); err == nil {
		t.Fatalf("out of order entry accepted")
	}
}

func TestSameSeedSameTrace(t *testing.T) {
	run := func() []string {
		cfg := testConfig(rotation.KindChaosVote)
		cfg.ChaosProbability = 0.5
		d, err := New(cfg, testRoster(7), 1234, Options{})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		var digests []string
		in := &scriptedInputs{score: 3, legacy: rotation.LegacyNeutral}
		for {
			if _, err := d.PlayRound(context.Background(), in); err != nil {
				if errors.Is(err, rotation.ErrGameOver) {
					return digests
				}
				t.Fatalf("round: %v", err)
			}
			digests = append(digests, d.Digest())
		}
	}
	a, b := run(), run()
	if len(a) != len(b) || len(a) == 0 {
		t.Fatalf("lengths %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("round %d diverged", i+1)
		}
	}
}

func TestSnapshotSink_EmitsOnScheduleAndConclusion(t *testing.T) {
	cfg := testConfig(rotation.KindVoteOut)
	cfg.MaxRounds = 5
	d, err := New(cfg, testRoster(5), 2, Options{SessionID: "s", SnapshotEveryRounds: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ch := make(chan snapshot.SnapshotV1, 8)
	d.SetSnapshotSink(ch)
	d.EmitInitialSnapshot()
	if err := d.Run(context.Background(), &scriptedInputs{score: 1}); err != nil {
		t.Fatalf("run: %v", err)
	}
	close(ch)
	var rounds []int
	for s := range ch {
		rounds = append(rounds, s.Header.Round)
	}
	want := []int{0, 2, 4, 5}
	if fmt.Sprint(rounds) != fmt.Sprint(want) {
		t.Fatalf("snapshot rounds = %v, want %v", rounds, want)
	}
}

type failLog struct{}

func (failLog) WriteRound(RoundLogEntry) error { return errors.New("disk full") }

func TestRoundLoggers_WritesAllSinks(t *testing.T) {
	a, b := &memLog{}, &memLog{}
	err := RoundLoggers{a, failLog{}, nil, b}.WriteRound(RoundLogEntry{Round: 1})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(a.entries) != 1 || len(b.entries) != 1 {
		t.Fatalf("entries a=%d b=%d, want 1 each", len(a.entries), len(b.entries))
	}
}
