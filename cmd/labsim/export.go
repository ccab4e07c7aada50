package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	persistlog "lameduck.lab/internal/persistence/log"
	"lameduck.lab/internal/sim/rotation"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Flatten round logs into csv or jsonl",
	Long: `Flatten the round records under --log. The directory may be one
session directory or a directory of session directories, as written by
"labsim run --log" or the server's data/sessions.

csv rows carry the session id followed by the record columns; jsonl lines
are the records with a session_id field.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("log")
		format, _ := cmd.Flags().GetString("format")
		out, _ := cmd.Flags().GetString("out")
		if dir == "" {
			return fmt.Errorf("--log is required")
		}
		w := io.Writer(os.Stdout)
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return exportRounds(w, dir, format)
	},
}

func init() {
	exportCmd.Flags().String("log", "", "Session directory or directory of sessions")
	exportCmd.Flags().String("format", "csv", "Output format: csv|jsonl")
	exportCmd.Flags().StringP("out", "o", "", "Output file (stdout when empty)")
}

// sessionDirs returns dir itself when it holds a round log, otherwise its
// subdirectories that do, sorted by name.
func sessionDirs(dir string) ([]string, error) {
	if st, err := os.Stat(persistlog.RoundsDir(dir)); err == nil && st.IsDir() {
		return []string{dir}, nil
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if st, err := os.Stat(persistlog.RoundsDir(sub)); err == nil && st.IsDir() {
			out = append(out, sub)
		}
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, fmt.Errorf("no round logs under %s", dir)
	}
	return out, nil
}

type exportedRound struct {
	SessionID string `json:"session_id"`
	rotation.RoundRecord
}

// loadRecords reads one session's log. A resumed server can log a round
// twice; the last entry for a round wins.
func loadRecords(sessionDir string) ([]exportedRound, error) {
	entries, err := persistlog.ReadRounds(sessionDir)
	if err != nil {
		return nil, err
	}
	byRound := map[int]exportedRound{}
	for _, e := range entries {
		id := e.SessionID
		if id == "" {
			id = filepath.Base(sessionDir)
		}
		byRound[e.Round] = exportedRound{SessionID: id, RoundRecord: e.Record}
	}
	rounds := make([]int, 0, len(byRound))
	for r := range byRound {
		rounds = append(rounds, r)
	}
	sort.Ints(rounds)
	out := make([]exportedRound, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, byRound[r])
	}
	return out, nil
}

func exportRounds(w io.Writer, dir, format string) error {
	if format != "csv" && format != "jsonl" {
		return fmt.Errorf("unknown format %q (csv|jsonl)", format)
	}
	dirs, err := sessionDirs(dir)
	if err != nil {
		return err
	}

	var (
		cw  *csv.Writer
		enc *json.Encoder
	)
	if format == "csv" {
		cw = csv.NewWriter(w)
		if err := cw.Write(append([]string{"session_id"}, rotation.FlatColumns...)); err != nil {
			return err
		}
	} else {
		enc = json.NewEncoder(w)
	}

	for _, d := range dirs {
		recs, err := loadRecords(d)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(d), err)
		}
		for _, r := range recs {
			if cw != nil {
				if err := cw.Write(append([]string{r.SessionID}, r.FlatRow()...)); err != nil {
					return err
				}
				continue
			}
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
	}
	if cw != nil {
		cw.Flush()
		return cw.Error()
	}
	return nil
}
