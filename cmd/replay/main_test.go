package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	persistlog "lameduck.lab/internal/persistence/log"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/sim/strategy"
	"lameduck.lab/internal/sim/treatment"
)

// playLogged runs a full session with the round log on disk and returns
// the round-zero snapshot path.
func playLogged(t *testing.T, dir, treatmentID string) (string, *session.Driver) {
	t.Helper()
	cat, err := treatment.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cat.Lookup(treatmentID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	roster := make([]rotation.Participant, 0, spec.NumParticipants)
	for i := 1; i <= spec.NumParticipants; i++ {
		roster = append(roster, rotation.Participant{ID: fmt.Sprintf("P%d", i)})
	}
	d, err := session.New(spec.Config(), roster, 99, session.Options{SessionID: "s-replay", Treatment: spec.ID})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	snapPath := filepath.Join(dir, "snapshots", snapshot.FileName(0))
	if err := snapshot.WriteSnapshot(snapPath, d.ExportSnapshot()); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	rl := persistlog.NewRoundLogger(dir)
	d.SetRoundLogger(rl)
	in := strategy.AsInputs(strategy.NewThreshold(400, 20, rotation.LegacyHelp))
	if err := d.Run(context.Background(), in); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := rl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return snapPath, d
}

func TestReplay_VerifiesLoggedSession(t *testing.T) {
	dir := t.TempDir()
	snapPath, d := playLogged(t, dir, "T2b")

	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	entries, err := persistlog.ReadRounds(dir)
	if err != nil {
		t.Fatalf("read rounds: %v", err)
	}
	res, err := replay(context.Background(), snap, entries, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Checked != d.Round() || res.FinalRound != d.Round() || res.Digest != d.Digest() {
		t.Fatalf("res=%+v want round=%d digest=%s", res, d.Round(), d.Digest())
	}
	if !res.Concluded {
		t.Fatalf("replay did not conclude")
	}

	partial, err := replay(context.Background(), snap, entries, 2)
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if partial.Checked != 2 || partial.FinalRound != 2 {
		t.Fatalf("partial=%+v", partial)
	}
}

func TestReplay_ToleratesReloggedRounds(t *testing.T) {
	dir := t.TempDir()
	snapPath, d := playLogged(t, dir, "T2a")
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	entries, err := persistlog.ReadRounds(dir)
	if err != nil {
		t.Fatalf("read rounds: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("only %d rounds", len(entries))
	}
	// A server resumed from round 1 logs rounds 2.. again.
	dup := append(append([]session.RoundLogEntry(nil), entries...), entries[1:]...)
	res, err := replay(context.Background(), snap, dup, 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Checked != len(entries) || res.Digest != d.Digest() {
		t.Fatalf("res=%+v", res)
	}
}

func TestReplay_DetectsTamperedDigest(t *testing.T) {
	dir := t.TempDir()
	snapPath, _ := playLogged(t, dir, "T2a")
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	entries, err := persistlog.ReadRounds(dir)
	if err != nil {
		t.Fatalf("read rounds: %v", err)
	}
	entries[1].Digest = "deadbeef"
	_, err = replay(context.Background(), snap, entries, 0)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch at round 2") {
		t.Fatalf("err=%v", err)
	}
}

func TestReplay_RejectsForeignSession(t *testing.T) {
	dir := t.TempDir()
	snapPath, _ := playLogged(t, dir, "T1")
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	entries, err := persistlog.ReadRounds(dir)
	if err != nil {
		t.Fatalf("read rounds: %v", err)
	}
	entries[0].SessionID = "other"
	if _, err := replay(context.Background(), snap, entries, 0); err == nil {
		t.Fatalf("foreign entry accepted")
	}
}
