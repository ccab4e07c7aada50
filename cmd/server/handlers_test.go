package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/protocol"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/sim/treatment"
	"lameduck.lab/internal/transport/observer"
	"lameduck.lab/internal/transport/ws"
)

func newTestRuntime(t *testing.T) (*runtime, *http.ServeMux) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	rt := &runtime{
		sessionID:  "s1",
		sessionDir: t.TempDir(),
		hub:        ws.NewHub(ws.HubOptions{SessionID: "s1", Treatment: "T2a", Seats: 8, Logger: logger}),
		observer:   observer.NewServer(logger),
	}
	return rt, newMux(rt, v, logger, true, false)
}

func startDriver(t *testing.T, rt *runtime) *session.Driver {
	t.Helper()
	cat, err := treatment.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	spec, err := cat.Lookup("T2a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	roster := make([]rotation.Participant, 0, spec.NumParticipants)
	for i := 1; i <= spec.NumParticipants; i++ {
		roster = append(roster, rotation.Participant{ID: "P" + string(rune('0'+i))})
	}
	d, err := session.New(spec.Config(), roster, 7, session.Options{SessionID: "s1", Treatment: spec.ID})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	rt.driver.Store(d)
	return d
}

func get(mux *http.ServeMux, method, path string, loopback bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if loopback {
		req.RemoteAddr = "127.0.0.1:40000"
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestStatus_LobbyThenRunning(t *testing.T) {
	rt, mux := newTestRuntime(t)

	rec := get(mux, http.MethodGet, "/v1/status", false)
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v body=%s", err, rec.Body.String())
	}
	if resp.Phase != phaseLobby || resp.Status != nil || resp.Seated != 0 {
		t.Fatalf("lobby resp=%+v", resp)
	}

	startDriver(t, rt)
	rec = get(mux, http.MethodGet, "/v1/status", false)
	resp = statusResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Phase != phaseRunning || resp.Status == nil {
		t.Fatalf("running resp=%+v", resp)
	}
	if len(resp.Status.VoterIDs) != 3 || resp.Status.CurrentRepID == "" {
		t.Fatalf("status=%+v", resp.Status)
	}
}

func TestMetrics_ReportsPhaseAndRound(t *testing.T) {
	rt, mux := newTestRuntime(t)
	body := get(mux, http.MethodGet, "/metrics", false).Body.String()
	if !strings.Contains(body, `lameduck_session_phase{session="s1",phase="lobby"} 1`) {
		t.Fatalf("missing lobby phase:\n%s", body)
	}
	if strings.Contains(body, "lameduck_index_queue_depth") {
		t.Fatalf("index metrics without an index:\n%s", body)
	}

	startDriver(t, rt)
	body = get(mux, http.MethodGet, "/metrics", false).Body.String()
	for _, want := range []string{
		`lameduck_session_round{session="s1"} 0`,
		`lameduck_session_phase{session="s1",phase="running"} 1`,
		`lameduck_session_pool_size{session="s1"} 4`,
		`lameduck_monitor_subscribers{session="s1"} 0`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestAdmin_LoopbackOnly(t *testing.T) {
	_, mux := newTestRuntime(t)
	for _, path := range []string{"/admin/v1/state", "/admin/v1/sessions", "/admin/v1/monitor/bootstrap"} {
		if rec := get(mux, http.MethodGet, path, false); rec.Code != http.StatusForbidden {
			t.Fatalf("%s code=%d want 403", path, rec.Code)
		}
	}
	if rec := get(mux, http.MethodGet, "/admin/v1/sessions", true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("sessions without index code=%d want 503", rec.Code)
	}
	if rec := get(mux, http.MethodGet, "/admin/v1/state", true); rec.Code != http.StatusOK {
		t.Fatalf("state code=%d", rec.Code)
	}
}

func TestAdmin_SnapshotWritesCommittedState(t *testing.T) {
	rt, mux := newTestRuntime(t)

	if rec := get(mux, http.MethodPost, "/admin/v1/snapshot", true); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before start code=%d want 503", rec.Code)
	}
	if rec := get(mux, http.MethodGet, "/admin/v1/snapshot", true); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET code=%d want 405", rec.Code)
	}

	d := startDriver(t, rt)
	rec := get(mux, http.MethodPost, "/admin/v1/snapshot", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
	path := filepath.Join(rt.sessionDir, "snapshots", snapshot.FileName(0))
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if snap.Header.SessionID != "s1" || snap.State.CurrentRepID != d.Status().CurrentRepID {
		t.Fatalf("snap header=%+v rep=%s", snap.Header, snap.State.CurrentRepID)
	}
	if got := latestSnapshot(rt.sessionDir); got != path {
		t.Fatalf("latestSnapshot=%q want %q", got, path)
	}
}

func TestLatestSnapshot_PicksHighestRound(t *testing.T) {
	dir := t.TempDir()
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{snapshot.FileName(0), snapshot.FileName(5), snapshot.FileName(12), "junk.snap.zst", "000020.snap.zst.tmp"} {
		if err := os.WriteFile(filepath.Join(snaps, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := latestSnapshot(dir), filepath.Join(snaps, snapshot.FileName(12)); got != want {
		t.Fatalf("latestSnapshot=%q want %q", got, want)
	}
	if got := latestSnapshot(t.TempDir()); got != "" {
		t.Fatalf("empty dir got %q", got)
	}
}

func TestTokens_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	got, err := readTokens(dir)
	if err != nil || len(got) != 0 {
		t.Fatalf("missing file: %v %v", got, err)
	}
	want := map[string]string{"P1": "tok-1", "P2": "tok-2"}
	if err := writeTokens(dir, want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err = readTokens(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got["P1"] != "tok-1" || got["P2"] != "tok-2" {
		t.Fatalf("tokens=%v", got)
	}
}
