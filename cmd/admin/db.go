package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lameduck.lab/internal/persistence/indexdb"
)

// dbCmd queries a session's sqlite index:
//
//	admin db -session s1 sessions|rounds|totals|removals
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "sessions", *sessionID, "index", "session.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runQuery(ctx, os.Stdout, idx, q, *sessionID); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

func runQuery(ctx context.Context, w io.Writer, idx *indexdb.Index, q, sessionID string) error {
	var (
		v   any
		err error
	)
	switch q {
	case "sessions":
		v, err = idx.Sessions(ctx)
	case "rounds":
		if sessionID == "" {
			return fmt.Errorf("needs -session")
		}
		v, err = idx.Rounds(ctx, sessionID)
	case "totals":
		if sessionID == "" {
			return fmt.Errorf("needs -session")
		}
		v, err = idx.ParticipantTotals(ctx, sessionID)
	case "removals":
		v, err = idx.RemovalCounts(ctx)
	default:
		return fmt.Errorf("unknown query %q (sessions|rounds|totals|removals)", q)
	}
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
