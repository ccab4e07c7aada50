package snapshot

import (
	"path/filepath"
	"testing"

	"lameduck.lab/internal/sim/rotation"
)

func TestWriteReadSnapshot(t *testing.T) {
	rng := rotation.NewRand(9)
	st, err := rotation.Initialize([]rotation.Participant{{ID: "P1"}, {ID: "P2"}, {ID: "P3"}, {ID: "P4"}, {ID: "P5"}}, 3, rng)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	rngState, err := rng.MarshalBinary()
	if err != nil {
		t.Fatalf("rng state: %v", err)
	}
	in := SnapshotV1{
		Header:        Header{Version: Version, SessionID: "s-1", Round: 4},
		Treatment:     "T2a",
		Seed:          9,
		Config:        rotation.Config{Kind: rotation.KindVoteOut, NumVoters: 3, TermLength: 3, MaxRounds: 10},
		InitialVoters: st.VoterIDs,
		State:         *st,
		RNG:           rngState,
		Totals:        map[string]float64{st.CurrentRepID: 150},
		Records:       4,
	}
	path := filepath.Join(t.TempDir(), "snapshots", FileName(4))
	if err := WriteSnapshot(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.SessionID != "s-1" || h.Round != 4 {
		t.Fatalf("header: %+v", h)
	}

	out, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.State.CurrentRepID != st.CurrentRepID || len(out.State.RepPoolQueue) != len(st.RepPoolQueue) {
		t.Fatalf("state mismatch: %+v vs %+v", out.State, *st)
	}
	if rotation.StateDigest(4, &out.State, out.RNG, out.Totals) != rotation.StateDigest(4, st, rngState, in.Totals) {
		t.Fatalf("digest changed across snapshot")
	}
	restored := rotation.NewRand(0)
	if err := restored.UnmarshalBinary(out.RNG); err != nil {
		t.Fatalf("restore rng: %v", err)
	}
	if restored.Float64() != rng.Float64() {
		t.Fatalf("restored rng diverged")
	}
}

func TestReadSnapshot_Missing(t *testing.T) {
	if _, err := ReadSnapshot(filepath.Join(t.TempDir(), "nope.snap.zst")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
