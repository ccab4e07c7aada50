package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"lameduck.lab/internal/persistence/indexdb"
	"lameduck.lab/internal/persistence/mirror"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/protocol"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/transport/observer"
	"lameduck.lab/internal/transport/ws"
)

// runtime is what the HTTP surface can see of a running server. driver
// stays nil while the lobby fills.
type runtime struct {
	sessionID  string
	sessionDir string
	hub        *ws.Hub
	observer   *observer.Server
	idx        *indexdb.Index
	mirror     *mirror.Mirror
	driver     atomic.Pointer[session.Driver]
}

const (
	phaseLobby     = "lobby"
	phaseRunning   = "running"
	phaseConcluded = "concluded"
)

type statusResponse struct {
	SessionID string              `json:"session_id"`
	Phase     string              `json:"phase"`
	Seated    int                 `json:"seated"`
	Connected int                 `json:"connected"`
	Status    *session.StatusView `json:"status,omitempty"`
}

func (rt *runtime) phase() (string, *session.Driver) {
	d := rt.driver.Load()
	if d == nil {
		return phaseLobby, nil
	}
	if over, _ := d.Concluded(); over {
		return phaseConcluded, d
	}
	return phaseRunning, d
}

func newMux(rt *runtime, validator *protocol.Validator, logger *log.Logger, enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.metricsHandler)
	mux.HandleFunc("/v1/status", func(rw http.ResponseWriter, r *http.Request) {
		phase, d := rt.phase()
		resp := statusResponse{
			SessionID: rt.sessionID,
			Phase:     phase,
			Seated:    len(rt.hub.Roster()),
			Connected: rt.hub.Connected(),
		}
		if d != nil {
			st := d.Status()
			resp.Status = &st
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(rt.hub, validator, logger).Handler())

	if enableAdmin {
		// Local-only admin endpoints (do not affect session determinism).
		mux.HandleFunc("/admin/v1/state", loopbackOnly(rt.stateHandler))
		mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(rt.snapshotHandler))
		mux.HandleFunc("/admin/v1/sessions", loopbackOnly(rt.sessionsHandler))
		mux.HandleFunc("/admin/v1/monitor/bootstrap", rt.observer.BootstrapHandler())
		mux.HandleFunc("/admin/v1/monitor/ws", rt.observer.WSHandler())
	} else if logger != nil {
		logger.Printf("admin endpoints disabled (LD_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (rt *runtime) metricsHandler(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	phase, d := rt.phase()
	round := 0
	poolSize, retired := 0, 0
	if d != nil {
		st := d.Status()
		round = st.Round
		poolSize = len(st.Pool)
		retired = len(st.Retired)
	}
	id := rt.sessionID

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP lameduck_session_round Last committed round.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_session_round gauge\n")
	fmt.Fprintf(rw, "lameduck_session_round{session=%q} %d\n", id, round)

	fmt.Fprintf(rw, "# HELP lameduck_session_phase Session phase (1 for the current phase).\n")
	fmt.Fprintf(rw, "# TYPE lameduck_session_phase gauge\n")
	for _, p := range []string{phaseLobby, phaseRunning, phaseConcluded} {
		v := 0
		if p == phase {
			v = 1
		}
		fmt.Fprintf(rw, "lameduck_session_phase{session=%q,phase=%q} %d\n", id, p, v)
	}

	fmt.Fprintf(rw, "# HELP lameduck_session_clients Connected participant clients.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_session_clients gauge\n")
	fmt.Fprintf(rw, "lameduck_session_clients{session=%q} %d\n", id, rt.hub.Connected())

	fmt.Fprintf(rw, "# HELP lameduck_session_pool_size Representative candidates left in the pool.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_session_pool_size gauge\n")
	fmt.Fprintf(rw, "lameduck_session_pool_size{session=%q} %d\n", id, poolSize)

	fmt.Fprintf(rw, "# HELP lameduck_session_retired Retired representatives.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_session_retired gauge\n")
	fmt.Fprintf(rw, "lameduck_session_retired{session=%q} %d\n", id, retired)

	fmt.Fprintf(rw, "# HELP lameduck_monitor_subscribers Connected monitor subscribers.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_monitor_subscribers gauge\n")
	fmt.Fprintf(rw, "lameduck_monitor_subscribers{session=%q} %d\n", id, rt.observer.Subscribers())

	writeIndexMetrics(rw, rt.idx)
	writeMirrorMetrics(rw, rt.mirror)
}

func writeIndexMetrics(rw http.ResponseWriter, idx *indexdb.Index) {
	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP lameduck_index_queue_depth Index write queue depth.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "lameduck_index_queue_depth{backend=%q} %d\n", s.Backend, s.QueueDepth)

	fmt.Fprintf(rw, "# HELP lameduck_index_dropped_total Index writes dropped under backpressure.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_index_dropped_total counter\n")
	fmt.Fprintf(rw, "lameduck_index_dropped_total{backend=%q,kind=%q} %d\n", s.Backend, "session", s.DropSessionTotal)
	fmt.Fprintf(rw, "lameduck_index_dropped_total{backend=%q,kind=%q} %d\n", s.Backend, "round", s.DropRoundTotal)
	fmt.Fprintf(rw, "lameduck_index_dropped_total{backend=%q,kind=%q} %d\n", s.Backend, "snapshot", s.DropSnapshotTotal)
	fmt.Fprintf(rw, "lameduck_index_dropped_total{backend=%q,kind=%q} %d\n", s.Backend, "conclusion", s.DropConcludeTotal)

	fmt.Fprintf(rw, "# HELP lameduck_index_write_fail_total Failed index writes.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_index_write_fail_total counter\n")
	fmt.Fprintf(rw, "lameduck_index_write_fail_total{backend=%q} %d\n", s.Backend, s.WriteFailTotal)
}

func writeMirrorMetrics(rw http.ResponseWriter, m *mirror.Mirror) {
	if m == nil {
		return
	}
	s := m.Stats()
	fmt.Fprintf(rw, "# HELP lameduck_mirror_queue_depth Bucket mirror queue depth.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "lameduck_mirror_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP lameduck_mirror_uploads_total Bucket mirror uploads by result.\n")
	fmt.Fprintf(rw, "# TYPE lameduck_mirror_uploads_total counter\n")
	fmt.Fprintf(rw, "lameduck_mirror_uploads_total{result=\"ok\"} %d\n", s.UploadedTotal)
	fmt.Fprintf(rw, "lameduck_mirror_uploads_total{result=\"fail\"} %d\n", s.UploadFailTotal)
	fmt.Fprintf(rw, "lameduck_mirror_uploads_total{result=\"dropped\"} %d\n", s.DroppedTotal)
}

func (rt *runtime) stateHandler(rw http.ResponseWriter, r *http.Request) {
	phase, d := rt.phase()
	resp := struct {
		SessionID string              `json:"session_id"`
		Phase     string              `json:"phase"`
		Digest    string              `json:"digest,omitempty"`
		Status    *session.StatusView `json:"status,omitempty"`
		Totals    *session.Totals     `json:"totals,omitempty"`
		Index     indexdb.Stats       `json:"index"`
	}{
		SessionID: rt.sessionID,
		Phase:     phase,
		Index:     rt.idx.Stats(),
	}
	if d != nil {
		st, tot := d.Status(), d.Totals()
		resp.Digest = d.Digest()
		resp.Status = &st
		resp.Totals = &tot
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

// snapshotHandler writes the committed state to disk on demand.
func (rt *runtime) snapshotHandler(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	d := rt.driver.Load()
	if d == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": "session not started"})
		return
	}
	snap := d.ExportSnapshot()
	path := filepath.Join(rt.sessionDir, "snapshots", snapshot.FileName(snap.Header.Round))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "round": snap.Header.Round, "error": err.Error()})
		return
	}
	rt.idx.RecordSnapshot(path, snap)
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "round": snap.Header.Round, "path": path})
}

func (rt *runtime) sessionsHandler(rw http.ResponseWriter, r *http.Request) {
	if rt.idx == nil {
		http.Error(rw, "index disabled", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := rt.idx.Flush(ctx); err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	list, err := rt.idx.Sessions(ctx)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []indexdb.SessionSummary{}
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(list)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
