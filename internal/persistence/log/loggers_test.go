package log

import (
	"path/filepath"
	"testing"
	"time"

	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

func entry(round int) session.RoundLogEntry {
	return session.RoundLogEntry{
		SessionID: "s1",
		Round:     round,
		Inputs: session.RecordedInputs{
			Contributions: map[string]int{"P1": 10, "P2": 20},
			Ballots:       map[string]bool{"P1": true},
		},
		Record: rotation.RoundRecord{RoundNumber: round, ActiveRepID: "P4", CollectivePot: 42},
		Digest: "d",
	}
}

func TestRoundLogger_RotatesHourlyAndReadsInOrder(t *testing.T) {
	dir := t.TempDir()
	l := NewRoundLogger(dir)
	hour := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	l.w.now = func() time.Time { return hour }

	for r := 1; r <= 2; r++ {
		if err := l.WriteRound(entry(r)); err != nil {
			t.Fatalf("write %d: %v", r, err)
		}
	}
	hour = hour.Add(time.Hour)
	if err := l.WriteRound(entry(3)); err != nil {
		t.Fatalf("write 3: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListFiles(RoundsDir(dir), "rounds")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files=%v want 2", files)
	}
	if filepath.Base(files[0]) != "rounds-2026-01-02-03.jsonl.zst" {
		t.Fatalf("first file=%s", filepath.Base(files[0]))
	}

	got, err := ReadRounds(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries=%d want 3", len(got))
	}
	for i, e := range got {
		if e.Round != i+1 {
			t.Fatalf("entry %d round=%d", i, e.Round)
		}
	}
	if got[0].Inputs.Contributions["P2"] != 20 || !got[0].Inputs.Ballots["P1"] {
		t.Fatalf("inputs not preserved: %+v", got[0].Inputs)
	}
	if got[2].Record.CollectivePot != 42 || got[2].Record.ActiveRepID != "P4" {
		t.Fatalf("record not preserved: %+v", got[2].Record)
	}
}

func TestRoundLogger_AppendsAcrossWriters(t *testing.T) {
	dir := t.TempDir()
	hour := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	for r := 1; r <= 2; r++ {
		l := NewRoundLogger(dir)
		l.w.now = func() time.Time { return hour }
		if err := l.WriteRound(entry(r)); err != nil {
			t.Fatalf("write %d: %v", r, err)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}

	got, err := ReadRounds(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[1].Round != 2 {
		t.Fatalf("got %+v", got)
	}
}

func TestReadRounds_MissingDir(t *testing.T) {
	if _, err := ReadRounds(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing round log")
	}
}
