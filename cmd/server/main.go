package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"lameduck.lab/internal/persistence/archive"
	"lameduck.lab/internal/persistence/indexdb"
	persistlog "lameduck.lab/internal/persistence/log"
	"lameduck.lab/internal/persistence/mirror"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/protocol"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/sim/treatment"
	"lameduck.lab/internal/telemetry"
	"lameduck.lab/internal/transport/observer"
	"lameduck.lab/internal/transport/ws"
)

const version = "0.3.0"

func main() {
	var (
		addr           = flag.String("addr", ":8080", "http listen address")
		sessionID      = flag.String("session", "session_1", "session id")
		treatmentID    = flag.String("treatment", "", "treatment id (default: catalog default_treatment)")
		treatmentsPath = flag.String("treatments", "./configs/treatments.yaml", "treatment catalog (missing file uses built-in defaults)")
		seed           = flag.Uint64("seed", 1337, "session seed (used only when starting a fresh session)")
		dataDir        = flag.String("data", "./data", "runtime data directory")
		disableDB      = flag.Bool("disable_db", false, "disable the index database (round log and snapshots are still written)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "resume from the latest snapshot in the session dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	catalog, err := loadCatalog(*treatmentsPath, logger)
	if err != nil {
		logger.Fatalf("load treatments: %v", err)
	}

	sessionDir := filepath.Join(*dataDir, "sessions", *sessionID)
	_ = os.MkdirAll(sessionDir, 0o755)

	ctx, cancel := signalContext()
	defer cancel()

	if err := telemetry.Init(ctx, "lameduck-server", version); err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		telemetry.Shutdown(ctx2)
	}()

	// Optional read model (does not affect session determinism).
	idx, err := openRuntimeIndex(ctx, sessionDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	defer idx.Close()

	mir, err := openMirror(*dataDir, logger)
	if err != nil {
		logger.Fatalf("open mirror: %v", err)
	}
	defer mir.Close()

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Fatalf("protocol schemas: %v", err)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(sessionDir)
	}

	var (
		hub    *ws.Hub
		resume *snapshot.SnapshotV1
		spec   treatment.Spec
	)
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if snap.Header.SessionID != "" && snap.Header.SessionID != *sessionID {
			logger.Fatalf("snapshot session id mismatch: flag=%s snap=%s", *sessionID, snap.Header.SessionID)
		}
		if snap.State.GameOver {
			logger.Fatalf("session %s already concluded at round %d (%s); use a new -session", *sessionID, snap.Header.Round, snap.State.GameOverReason)
		}
		tokens, err := readTokens(sessionDir)
		if err != nil {
			logger.Fatalf("read tokens: %v", err)
		}
		hub = ws.NewHub(ws.HubOptions{
			SessionID: *sessionID,
			Treatment: snap.Treatment,
			Config:    snap.Config,
			Seats:     len(snap.Roster),
			Logger:    logger,
		})
		hub.Preseat(snap.Roster, tokens)
		resume = &snap
	} else {
		spec, err = catalog.Lookup(*treatmentID)
		if err != nil {
			logger.Fatalf("treatment: %v", err)
		}
		hub = ws.NewHub(ws.HubOptions{
			SessionID: *sessionID,
			Treatment: spec.ID,
			Config:    spec.Config(),
			Seats:     spec.NumParticipants,
			Logger:    logger,
		})
	}

	obs := observer.NewServer(logger)
	rt := &runtime{sessionID: *sessionID, sessionDir: sessionDir, hub: hub, observer: obs, idx: idx, mirror: mir}

	mux := newMux(rt, validator, logger,
		envBool("LD_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		envBool("LD_ENABLE_PPROF_HTTP", false),
	)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("ListenAndServe: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	roundLog := persistlog.NewRoundLogger(sessionDir)
	defer roundLog.Close()

	snapCh := make(chan snapshot.SnapshotV1, 4)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case snap := <-snapCh:
				writeSnapshot(*dataDir, sessionDir, snap, roundLog, idx, mir, logger)
			}
		}
	})

	g.Go(func() error {
		opts := session.Options{SessionID: *sessionID, Logger: logger}
		var (
			d   *session.Driver
			err error
		)
		if resume != nil {
			d, err = session.Import(*resume, opts)
			if err != nil {
				return fmt.Errorf("import snapshot: %w", err)
			}
			logger.Printf("resumed from snapshot=%s round=%d", filepath.Base(snapshotToLoad), d.Round())
		} else {
			logger.Printf("waiting for %d participants (treatment %s)", spec.NumParticipants, spec.ID)
			roster, werr := hub.WaitRoster(gctx)
			if werr != nil {
				return nil
			}
			if err := writeTokens(sessionDir, hub.Tokens()); err != nil {
				logger.Printf("write tokens: %v", err)
			}
			opts.Treatment = spec.ID
			opts.ProductionTimeout = spec.Timeouts.Production()
			opts.VoteTimeout = spec.Timeouts.Vote()
			opts.LegacyTimeout = spec.Timeouts.Legacy()
			opts.SnapshotEveryRounds = spec.SnapshotEveryRounds
			d, err = session.New(spec.Config(), roster, *seed, opts)
			if err != nil {
				return fmt.Errorf("new session: %w", err)
			}
			idx.RecordSession(indexdb.SessionRow{
				SessionID:    *sessionID,
				Treatment:    spec.ID,
				Seed:         *seed,
				Participants: len(roster),
				Config:       spec.Config(),
				StartedAt:    time.Now().UTC(),
			})
		}

		d.SetRoundLogger(session.RoundLoggers{roundLog, idx})
		d.SetSnapshotSink(snapCh)
		d.SetNotifier(session.Notifiers{hub, obs})
		d.SetMetrics(telemetry.NewRoundMetrics())
		rt.driver.Store(d)
		obs.Attach(d)
		if resume == nil {
			d.EmitInitialSnapshot()
		}

		if err := d.Run(gctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("session stopped: %w", err)
		}
		if over, reason := d.Concluded(); over {
			logger.Printf("session %s concluded: %s (serving results until shutdown)", *sessionID, reason)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("%v", err)
	}
}

// writeSnapshot persists a snapshot, indexes and mirrors it, and archives
// the session once the game is over.
func writeSnapshot(dataDir, sessionDir string, snap snapshot.SnapshotV1, roundLog *persistlog.RoundLogger, idx *indexdb.Index, mir *mirror.Mirror, logger *log.Logger) {
	path := filepath.Join(sessionDir, "snapshots", snapshot.FileName(snap.Header.Round))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		logger.Printf("snapshot write: %v", err)
		return
	}
	idx.RecordSnapshot(path, snap)
	mir.Enqueue(path)
	if !snap.State.GameOver {
		return
	}

	// The final round is already logged; close so the archive copies
	// complete zstd frames.
	if err := roundLog.Close(); err != nil {
		logger.Printf("close round log: %v", err)
	}
	dir, ok, err := archive.ArchiveSession(dataDir, path, persistlog.RoundsDir(sessionDir), snap)
	if err != nil {
		logger.Printf("archive session: %v", err)
	} else if ok {
		logger.Printf("archived session %s to %s", snap.Header.SessionID, dir)
		if _, err := mir.EnqueueDir(dir); err != nil {
			logger.Printf("mirror archive: %v", err)
		}
	}
	idx.RecordConclusion(snap.Header.SessionID, snap.Header.Round, snap.State.GameOverReason)
}

func loadCatalog(path string, logger *log.Logger) (treatment.Catalog, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return treatment.Catalog{}, err
			}
			logger.Printf("treatments not found (%s); using defaults", path)
			path = ""
		}
	}
	return treatment.Load(path)
}

const tokensFile = "tokens.json"

// Resume tokens are kept next to the snapshots so that a restarted
// server re-seats the same participants.
func readTokens(sessionDir string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Join(sessionDir, tokensFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%s: %w", tokensFile, err)
	}
	return out, nil
}

func writeTokens(sessionDir string, tokens map[string]string) error {
	b, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(sessionDir, tokensFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(sessionDir string) string {
	dir := filepath.Join(sessionDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	bestRound := -1
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		base := strings.TrimSuffix(name, ".snap.zst")
		round, err := strconv.Atoi(base)
		if err != nil {
			continue
		}
		if round > bestRound {
			bestRound = round
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
