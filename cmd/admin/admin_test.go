package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lameduck.lab/internal/persistence/indexdb"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

func entry(round int, mech rotation.Mechanism) session.RoundLogEntry {
	rec := rotation.RoundRecord{
		RoundNumber:        round,
		ActiveRepID:        "P4",
		TermRound:          round,
		ContributionScores: map[string]int{"P1": 10, "P4": 20},
		CollectivePot:      1050,
		RemovalOutcome:     mech.Outcome(),
		RemovalMechanism:   mech,
		Payoffs:            map[string]float64{"P1": 105, "P4": 255},
	}
	return session.RoundLogEntry{SessionID: "s1", Round: round, Record: rec, Digest: "d"}
}

func TestWriteRounds_CSVAndJSONL(t *testing.T) {
	entries := []session.RoundLogEntry{entry(1, rotation.MechanismNone), entry(2, rotation.MechanismVotedOut)}

	var buf bytes.Buffer
	if err := writeRounds(&buf, entries, "csv"); err != nil {
		t.Fatalf("csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "round_number" || rows[2][0] != "2" {
		t.Fatalf("rows=%v", rows)
	}
	if len(rows[1]) != len(rotation.FlatColumns) {
		t.Fatalf("row width=%d want %d", len(rows[1]), len(rotation.FlatColumns))
	}

	buf.Reset()
	if err := writeRounds(&buf, entries, "jsonl"); err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d", len(lines))
	}
	var rec rotation.RoundRecord
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.RemovalMechanism != rotation.MechanismVotedOut {
		t.Fatalf("rec=%+v", rec)
	}

	if err := writeRounds(&buf, entries, "xml"); err == nil {
		t.Fatalf("unknown format accepted")
	}
}

func TestRunQuery_SQLiteIndex(t *testing.T) {
	ctx := context.Background()
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "session.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = idx.Close() }()

	idx.RecordSession(indexdb.SessionRow{
		SessionID: "s1", Treatment: "T2a", Participants: 8,
		Config: rotation.Config{Kind: rotation.KindVoteOut}, StartedAt: time.Now().UTC(),
	})
	_ = idx.WriteRound(entry(1, rotation.MechanismNone))
	_ = idx.WriteRound(entry(2, rotation.MechanismVotedOut))
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var buf bytes.Buffer
	if err := runQuery(ctx, &buf, idx, "rounds", "s1"); err != nil {
		t.Fatalf("rounds: %v", err)
	}
	var rounds []indexdb.RoundRow
	if err := json.Unmarshal(buf.Bytes(), &rounds); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rounds) != 2 || rounds[1].Mechanism != string(rotation.MechanismVotedOut) {
		t.Fatalf("rounds=%+v", rounds)
	}

	buf.Reset()
	if err := runQuery(ctx, &buf, idx, "sessions", ""); err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(buf.String(), `"session_id": "s1"`) {
		t.Fatalf("sessions=%s", buf.String())
	}

	if err := runQuery(ctx, &buf, idx, "totals", ""); err == nil {
		t.Fatalf("totals without session accepted")
	}
	if err := runQuery(ctx, &buf, idx, "bogus", "s1"); err == nil {
		t.Fatalf("unknown query accepted")
	}
}

func TestListSessions_ShowsLatestSnapshot(t *testing.T) {
	data := t.TempDir()
	dir := filepath.Join(data, "sessions", "s1")
	for _, round := range []int{0, 5} {
		snap := snapshot.SnapshotV1{Header: snapshot.Header{Version: snapshot.Version, SessionID: "s1", Round: round}}
		if err := snapshot.WriteSnapshot(filepath.Join(dir, "snapshots", snapshot.FileName(round)), snap); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(data, "sessions", "empty"), 0o755); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := listSessions(&buf, data); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "s1\tround=5\t000005.snap.zst") || !strings.Contains(out, "empty\t(no snapshots)") {
		t.Fatalf("out=%q", out)
	}
}

func TestAdminRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/v1/snapshot" || r.Method != http.MethodPost {
			http.NotFound(rw, r)
			return
		}
		_, _ = rw.Write([]byte(`{"ok":true,"round":3}`))
	}))
	defer srv.Close()

	code, body, err := adminRequest(srv.Client(), http.MethodPost, srv.URL+"/", "/admin/v1/snapshot")
	if err != nil || code != 200 || string(body) != `{"ok":true,"round":3}` {
		t.Fatalf("code=%d body=%s err=%v", code, body, err)
	}
	code, _, err = adminRequest(srv.Client(), http.MethodGet, srv.URL, "/admin/v1/snapshot")
	if err != nil || code != http.StatusNotFound {
		t.Fatalf("code=%d err=%v", code, err)
	}
}
