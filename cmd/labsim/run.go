package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	persistlog "lameduck.lab/internal/persistence/log"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/sim/strategy"
	"lameduck.lab/internal/sim/treatment"
	"lameduck.lab/internal/telemetry"
)

const version = "0.3.0"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Play sessions of a treatment with automated participants",
	Long: `Play complete sessions of one treatment and print aggregate outcomes:
rounds played, removals by mechanism, end reasons, legacy choices and mean
payoffs. Session i uses seed+i for both the game and the participants.

With --log each session writes its round-zero snapshot and round log under
<log>/<session-id>, which the replay tool can verify.`,
	RunE: runSim,
}

func init() {
	runCmd.Flags().String("treatment", "", "Treatment id (catalog default when empty)")
	runCmd.Flags().Int("participants", 0, "Participants per session (treatment default when 0)")
	runCmd.Flags().Uint64("seed", 1, "Base seed")
	runCmd.Flags().Int("sessions", 1, "Number of sessions to play")
	runCmd.Flags().Int("parallel", runtime.GOMAXPROCS(0), "Sessions played concurrently")
	runCmd.Flags().String("prefix", "", "Session id prefix (sim-<treatment>-<random> when empty)")
	runCmd.Flags().String("log", "", "Directory for per-session round logs")
	runCmd.Flags().Bool("verbose", false, "Log stage timeouts and session progress to stderr")

	runCmd.Flags().String("strategy", "random", "Participant strategy: "+strings.Join(strategy.Names(), "|"))
	runCmd.Flags().Float64("replace-prob", 0.5, "random: probability of a REPLACE ballot")
	runCmd.Flags().Float64("participation", 1, "random: probability of answering a prompt")
	runCmd.Flags().Float64("threshold", 400, "threshold: replace when the previous pot is below this")
	runCmd.Flags().Int("score", 25, "threshold: fixed production score")
	runCmd.Flags().String("legacy", "NEUTRAL", "threshold: legacy choice (SABOTAGE|HELP|NEUTRAL)")
	runCmd.Flags().String("script", "", "scripted: path to script yaml")
}

// simConfig is everything one batch of sessions needs.
type simConfig struct {
	Spec         treatment.Spec
	Participants int
	Seed         uint64
	Sessions     int
	Parallel     int
	Prefix       string
	LogDir       string
	Strategy     strategy.Options
	Logger       *log.Logger
}

// sessionResult is the outcome of one played session.
type sessionResult struct {
	SessionID string                     `json:"session_id"`
	Seed      uint64                     `json:"seed"`
	Rounds    int                        `json:"rounds"`
	Reason    string                     `json:"reason"`
	Removals  map[rotation.Mechanism]int `json:"removals"`
	Legacy    map[string]int             `json:"legacy"`
	Totals    session.Totals             `json:"totals"`
	Voters    int                        `json:"voters"`
}

type summary struct {
	Treatment    string         `json:"treatment"`
	Kind         string         `json:"kind"`
	Strategy     string         `json:"strategy"`
	Participants int            `json:"participants"`
	Sessions     int            `json:"sessions"`
	MeanRounds   float64        `json:"mean_rounds"`
	MinRounds    int            `json:"min_rounds"`
	MaxRounds    int            `json:"max_rounds"`
	EndReasons   map[string]int `json:"end_reasons"`
	Removals     map[string]int `json:"removals"`
	Legacy       map[string]int `json:"legacy"`

	// Per-session means. Voter and representative payoffs are per head.
	MeanOverall       float64 `json:"mean_overall"`
	MeanVoterPayoff   float64 `json:"mean_voter_payoff"`
	MeanRepPoolPayoff float64 `json:"mean_rep_pool_payoff"`
}

func runSim(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	treatmentID, _ := f.GetString("treatment")
	participants, _ := f.GetInt("participants")
	seed, _ := f.GetUint64("seed")
	sessions, _ := f.GetInt("sessions")
	parallel, _ := f.GetInt("parallel")
	prefix, _ := f.GetString("prefix")
	logDir, _ := f.GetString("log")
	verbose, _ := f.GetBool("verbose")
	stratName, _ := f.GetString("strategy")
	replaceP, _ := f.GetFloat64("replace-prob")
	partP, _ := f.GetFloat64("participation")
	thresh, _ := f.GetFloat64("threshold")
	score, _ := f.GetInt("score")
	legacy, _ := f.GetString("legacy")
	script, _ := f.GetString("script")

	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	spec, err := cat.Lookup(treatmentID)
	if err != nil {
		return err
	}
	if prefix == "" {
		prefix = "sim-" + strings.ToLower(spec.ID) + "-" + uuid.NewString()[:8]
	}
	logOut := io.Discard
	if verbose {
		logOut = os.Stderr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := telemetry.Init(ctx, "lameduck-labsim", version); err != nil {
		return err
	}
	defer telemetry.Shutdown(context.Background())

	cfg := simConfig{
		Spec:         spec,
		Participants: participants,
		Seed:         seed,
		Sessions:     sessions,
		Parallel:     parallel,
		Prefix:       prefix,
		LogDir:       logDir,
		Strategy: strategy.Options{
			Name:          stratName,
			ReplaceProb:   replaceP,
			Participation: partP,
			Threshold:     thresh,
			Score:         score,
			Legacy:        rotation.LegacyChoice(strings.ToUpper(legacy)),
			ScriptPath:    script,
		},
		Logger: log.New(logOut, "[labsim] ", log.LstdFlags|log.Lmicroseconds),
	}
	results, err := simulate(ctx, cfg)
	if err != nil {
		return err
	}
	sum := summarize(cfg, results)
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	return printSummary(os.Stdout, sum)
}

func roster(n int) []rotation.Participant {
	out := make([]rotation.Participant, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, rotation.Participant{ID: fmt.Sprintf("P%d", i), Label: fmt.Sprintf("Participant %d", i)})
	}
	return out
}

// simulate plays cfg.Sessions sessions, at most cfg.Parallel at a time.
// Results are in session order.
func simulate(ctx context.Context, cfg simConfig) ([]sessionResult, error) {
	if cfg.Sessions < 1 {
		return nil, fmt.Errorf("sessions must be >= 1 (got %d)", cfg.Sessions)
	}
	if cfg.Participants == 0 {
		cfg.Participants = cfg.Spec.NumParticipants
	}
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	// Validate the strategy once up front.
	if _, err := strategy.New(cfg.Strategy); err != nil {
		return nil, err
	}

	metrics := telemetry.NewRoundMetrics()
	results := make([]sessionResult, cfg.Sessions)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Parallel)
	for i := 0; i < cfg.Sessions; i++ {
		g.Go(func() error {
			res, err := playOne(gctx, cfg, i, metrics)
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func playOne(ctx context.Context, cfg simConfig, i int, metrics *telemetry.RoundMetrics) (sessionResult, error) {
	seed := cfg.Seed + uint64(i)
	id := fmt.Sprintf("%s-%04d", cfg.Prefix, i)

	so := cfg.Strategy
	so.Seed = seed
	dec, err := strategy.New(so)
	if err != nil {
		return sessionResult{}, err
	}
	d, err := session.New(cfg.Spec.Config(), roster(cfg.Participants), seed, session.Options{
		SessionID: id,
		Treatment: cfg.Spec.ID,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return sessionResult{}, err
	}
	d.SetMetrics(metrics)

	var rl *persistlog.RoundLogger
	if cfg.LogDir != "" {
		dir := filepath.Join(cfg.LogDir, id)
		if err := snapshot.WriteSnapshot(filepath.Join(dir, "snapshots", snapshot.FileName(0)), d.ExportSnapshot()); err != nil {
			return sessionResult{}, err
		}
		rl = persistlog.NewRoundLogger(dir)
		d.SetRoundLogger(rl)
	}

	runErr := d.Run(ctx, strategy.AsInputs(dec))
	if rl != nil {
		if err := rl.Close(); err != nil && runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return sessionResult{}, runErr
	}

	_, reason := d.Concluded()
	res := sessionResult{
		SessionID: id,
		Seed:      seed,
		Rounds:    d.Round(),
		Reason:    reason,
		Removals:  map[rotation.Mechanism]int{},
		Legacy:    map[string]int{},
		Totals:    d.Totals(),
		Voters:    cfg.Spec.NumVoters,
	}
	for _, rec := range d.Records() {
		if rec.RemovalMechanism != rotation.MechanismNone {
			res.Removals[rec.RemovalMechanism]++
		}
		switch {
		case rec.LegacyDecision != "":
			res.Legacy[string(rec.LegacyDecision)]++
		case rec.LegacyTimedOut:
			res.Legacy["timed_out"]++
		}
	}
	cfg.Logger.Printf("session %s: %d rounds, %s", id, res.Rounds, reason)
	return res, nil
}

func summarize(cfg simConfig, results []sessionResult) summary {
	participants := cfg.Participants
	if participants == 0 {
		participants = cfg.Spec.NumParticipants
	}
	name := cfg.Strategy.Name
	if name == "" {
		name = "random"
	}
	s := summary{
		Treatment:    cfg.Spec.ID,
		Kind:         string(cfg.Spec.Kind),
		Strategy:     name,
		Participants: participants,
		Sessions:     len(results),
		EndReasons:   map[string]int{},
		Removals:     map[string]int{},
		Legacy:       map[string]int{},
	}
	if len(results) == 0 {
		return s
	}
	s.MinRounds = results[0].Rounds
	var rounds, overall, voter, rep float64
	for _, r := range results {
		rounds += float64(r.Rounds)
		s.MinRounds = min(s.MinRounds, r.Rounds)
		s.MaxRounds = max(s.MaxRounds, r.Rounds)
		s.EndReasons[r.Reason]++
		for m, n := range r.Removals {
			s.Removals[string(m)] += n
		}
		for c, n := range r.Legacy {
			s.Legacy[c] += n
		}
		overall += r.Totals.Overall
		if r.Voters > 0 {
			voter += r.Totals.VoterPoints / float64(r.Voters)
		}
		if pool := participants - r.Voters; pool > 0 {
			rep += r.Totals.RepPoints / float64(pool)
		}
	}
	n := float64(len(results))
	s.MeanRounds = rounds / n
	s.MeanOverall = overall / n
	s.MeanVoterPayoff = voter / n
	s.MeanRepPoolPayoff = rep / n
	return s
}

func printSummary(w io.Writer, s summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "treatment\t%s (%s)\n", s.Treatment, s.Kind)
	fmt.Fprintf(tw, "strategy\t%s\n", s.Strategy)
	fmt.Fprintf(tw, "sessions\t%d x %d participants\n", s.Sessions, s.Participants)
	fmt.Fprintf(tw, "rounds\tmean %.2f  min %d  max %d\n", s.MeanRounds, s.MinRounds, s.MaxRounds)
	fmt.Fprintf(tw, "payoff\toverall %.2f  voter %.2f  rep pool %.2f\n", s.MeanOverall, s.MeanVoterPayoff, s.MeanRepPoolPayoff)
	writeCounts(tw, "end", s.EndReasons)
	writeCounts(tw, "removal", s.Removals)
	writeCounts(tw, "legacy", s.Legacy)
	return tw.Flush()
}

func writeCounts(w io.Writer, label string, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%d\n", label, k, m[k])
	}
}
