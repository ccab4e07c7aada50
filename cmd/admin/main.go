package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"lameduck.lab/internal/persistence/archive"
	persistlog "lameduck.lab/internal/persistence/log"
	"lameduck.lab/internal/persistence/snapshot"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "rounds":
			roundsCmd(os.Args[2:])
			return
		case "archive":
			archiveCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints one line per session dir with its latest snapshot.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	if err := listSessions(os.Stdout, *dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
}

func listSessions(w io.Writer, dataDir string) error {
	base := filepath.Join(dataDir, "sessions")
	entries, err := os.ReadDir(base)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		snap := latestSnapshot(dir)
		if snap == "" {
			fmt.Fprintf(w, "%s\t(no snapshots)\n", e.Name())
			continue
		}
		h, err := snapshot.ReadHeader(snap)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\terror: %v\n", e.Name(), filepath.Base(snap), err)
			continue
		}
		fmt.Fprintf(w, "%s\tround=%d\t%s\n", e.Name(), h.Round, filepath.Base(snap))
	}
	return nil
}

// inspectCmd dumps a snapshot as JSON.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (uses its latest snapshot)")
	snapPath := fs.String("snapshot", "", "snapshot path (optional)")
	headerOnly := fs.Bool("header", false, "print only the header")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -snapshot")
			os.Exit(2)
		}
		path = latestSnapshot(filepath.Join(*dataDir, "sessions", *sessionID))
		if path == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found for session", *sessionID)
			os.Exit(2)
		}
	}

	var v any
	if *headerOnly {
		h, err := snapshot.ReadHeader(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read header:", err)
			os.Exit(1)
		}
		v = h
	} else {
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		snap.RNG = nil
		v = snap
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// roundsCmd prints a session's round log as CSV or JSON lines.
func roundsCmd(args []string) {
	fs := flag.NewFlagSet("rounds", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id")
	format := fs.String("format", "csv", "csv|jsonl")
	_ = fs.Parse(args)

	if strings.TrimSpace(*sessionID) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}
	entries, err := persistlog.ReadRounds(filepath.Join(*dataDir, "sessions", *sessionID))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read rounds:", err)
		os.Exit(1)
	}
	if err := writeRounds(os.Stdout, entries, *format); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
}

func writeRounds(w io.Writer, entries []session.RoundLogEntry, format string) error {
	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e.Record); err != nil {
				return err
			}
		}
		return nil
	case "csv":
		cw := csv.NewWriter(w)
		if err := cw.Write(rotation.FlatColumns); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write(e.Record.FlatRow()); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// archiveCmd lists archived sessions or prints one archive's meta.
func archiveCmd(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (optional; lists all when empty)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "archives")
	ids := []string{*sessionID}
	if strings.TrimSpace(*sessionID) == "" {
		ents, err := os.ReadDir(base)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		ids = ids[:0]
		for _, e := range ents {
			if e.IsDir() {
				ids = append(ids, e.Name())
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, id := range ids {
		meta, err := archive.ReadMeta(filepath.Join(base, id))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			continue
		}
		_ = enc.Encode(meta)
	}
}

func latestSnapshot(sessionDir string) string {
	dir := filepath.Join(sessionDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type cand struct {
		round int
		path  string
	}
	var cands []cand
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		round, err := strconv.Atoi(strings.TrimSuffix(name, ".snap.zst"))
		if err != nil {
			continue
		}
		cands = append(cands, cand{round: round, path: filepath.Join(dir, name)})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].round < cands[j].round })
	return cands[len(cands)-1].path
}
