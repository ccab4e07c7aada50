package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	persistlog "lameduck.lab/internal/persistence/log"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/session"
)

func main() {
	var (
		sessionDir = flag.String("session", "", "session dir containing snapshots/ and rounds/")
		snapPath   = flag.String("snapshot", "", "path to .snap.zst (default: <session>/snapshots/000000.snap.zst)")
		toRound    = flag.Int("to_round", 0, "stop after round (inclusive, optional)")
	)
	flag.Parse()

	if *sessionDir == "" && *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -session or -snapshot")
		os.Exit(2)
	}
	if *snapPath == "" {
		*snapPath = filepath.Join(*sessionDir, "snapshots", snapshot.FileName(0))
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("snapshot v%d session=%s treatment=%s round=%d seed=%d participants=%d voters=%v rep=%q pool=%d retired=%d over=%v\n",
		snap.Header.Version, snap.Header.SessionID, snap.Treatment, snap.Header.Round, snap.Seed,
		len(snap.Roster), snap.State.VoterIDs, snap.State.CurrentRepID, len(snap.State.RepPoolQueue),
		len(snap.State.Retired), snap.State.GameOver)

	if *sessionDir == "" {
		return
	}

	entries, err := persistlog.ReadRounds(*sessionDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read rounds:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no round logs found in", persistlog.RoundsDir(*sessionDir))
		os.Exit(1)
	}

	res, err := replay(context.Background(), snap, entries, *toRound)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d rounds (from snapshot round=%d) final round=%d digest=%s\n",
		res.Checked, snap.Header.Round, res.FinalRound, res.Digest)
	if res.Concluded {
		fmt.Printf("concluded: %s\n", res.Reason)
	}
}

type result struct {
	Checked    int
	FinalRound int
	Digest     string
	Concluded  bool
	Reason     string
}

// replay steps a driver restored from snap through the logged rounds and
// checks each recomputed digest. A resumed server logs the rounds after
// its snapshot again, so the last entry for a round wins.
func replay(ctx context.Context, snap snapshot.SnapshotV1, entries []session.RoundLogEntry, toRound int) (result, error) {
	d, err := session.Import(snap, session.Options{})
	if err != nil {
		return result{}, fmt.Errorf("import snapshot: %w", err)
	}

	byRound := make(map[int]session.RoundLogEntry, len(entries))
	for _, e := range entries {
		if snap.Header.SessionID != "" && e.SessionID != "" && e.SessionID != snap.Header.SessionID {
			return result{}, fmt.Errorf("round %d belongs to session %s, snapshot is %s", e.Round, e.SessionID, snap.Header.SessionID)
		}
		byRound[e.Round] = e
	}
	rounds := make([]int, 0, len(byRound))
	for r := range byRound {
		if r > snap.Header.Round {
			rounds = append(rounds, r)
		}
	}
	sort.Ints(rounds)

	var res result
	for _, r := range rounds {
		if toRound != 0 && r > toRound {
			break
		}
		e := byRound[r]
		got, err := d.StepRecorded(ctx, e)
		if err != nil {
			return res, fmt.Errorf("round %d: %w", r, err)
		}
		res.Checked++
		if got != e.Digest {
			return res, fmt.Errorf("digest mismatch at round %d: got=%s want=%s", r, got, e.Digest)
		}
	}
	res.FinalRound = d.Round()
	res.Digest = d.Digest()
	res.Concluded, res.Reason = d.Concluded()
	return res, nil
}
