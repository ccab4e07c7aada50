package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lameduck.lab/internal/persistence/indexdb"
	"lameduck.lab/internal/persistence/mirror"
)

// openRuntimeIndex picks the read-model backend from LD_INDEX_BACKEND
// (sqlite, postgres or none). A nil index is valid and ignores writes.
func openRuntimeIndex(ctx context.Context, sessionDir string, disableDB bool, logger *log.Logger) (*indexdb.Index, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("LD_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		dbPath := filepath.Join(sessionDir, "index", "session.sqlite")
		return indexdb.OpenSQLite(dbPath)
	case "postgres", "pg":
		dsn := strings.TrimSpace(os.Getenv("LD_INDEX_PG_DSN"))
		if dsn == "" {
			return nil, fmt.Errorf("LD_INDEX_BACKEND=postgres but LD_INDEX_PG_DSN is empty")
		}
		timeoutMS := envInt("LD_INDEX_PG_CONNECT_TIMEOUT_MS", 30000)
		return indexdb.OpenPostgres(ctx, indexdb.PostgresConfig{
			DSN:            dsn,
			ConnectTimeout: time.Duration(timeoutMS) * time.Millisecond,
			Logger:         logger,
		})
	default:
		return nil, fmt.Errorf("unsupported LD_INDEX_BACKEND: %s", backend)
	}
}

// openMirror starts the bucket mirror when LD_MIRROR_ENDPOINT is set.
// Object keys are paths relative to dataDir.
func openMirror(dataDir string, logger *log.Logger) (*mirror.Mirror, error) {
	cfg, ok := mirror.ConfigFromEnv()
	if !ok {
		return nil, nil
	}
	client, err := mirror.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	logger.Printf("mirroring snapshots and archives to bucket %s", cfg.Bucket)
	return mirror.New(client, dataDir, cfg.Prefix, mirror.Options{
		Workers:       envInt("LD_MIRROR_WORKERS", 2),
		QueueCapacity: envInt("LD_MIRROR_QUEUE", 256),
	}, logger), nil
}
