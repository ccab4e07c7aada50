package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"lameduck.lab/internal/persistence/snapshot"
)

type SessionArchiveMeta struct {
	SessionID  string             `json:"session_id"`
	Treatment  string             `json:"treatment"`
	Seed       uint64             `json:"seed"`
	FinalRound int                `json:"final_round"`
	Reason     string             `json:"reason"`
	LastRepID  string             `json:"last_rep_id,omitempty"`
	Snapshot   string             `json:"snapshot"`
	Rounds     []string           `json:"rounds,omitempty"`
	Totals     map[string]float64 `json:"totals"`
	CreatedAt  string             `json:"created_at"`
}

// ArchiveSession copies a concluded session's final snapshot and round log
// into `dataDir/archives/<session>/`. Snapshots of sessions still in play
// are ignored (archived=false).
func ArchiveSession(dataDir, snapshotPath, roundsDir string, snap snapshot.SnapshotV1) (archiveDir string, archived bool, err error) {
	if !snap.State.GameOver {
		return "", false, nil
	}
	if snap.Header.SessionID == "" {
		return "", false, fmt.Errorf("archive: snapshot has no session id")
	}

	archiveDir = filepath.Join(dataDir, "archives", snap.Header.SessionID)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", false, err
	}

	dst := filepath.Join(archiveDir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", false, err
	}

	var rounds []string
	if roundsDir != "" {
		ents, err := os.ReadDir(roundsDir)
		if err != nil && !os.IsNotExist(err) {
			return "", false, err
		}
		for _, e := range ents {
			if e.IsDir() {
				continue
			}
			rounds = append(rounds, e.Name())
		}
		sort.Strings(rounds)
		if len(rounds) > 0 {
			if err := os.MkdirAll(filepath.Join(archiveDir, "rounds"), 0o755); err != nil {
				return "", false, err
			}
		}
		for _, name := range rounds {
			if err := copyFile(filepath.Join(roundsDir, name), filepath.Join(archiveDir, "rounds", name)); err != nil {
				return "", false, err
			}
		}
	}

	meta := SessionArchiveMeta{
		SessionID:  snap.Header.SessionID,
		Treatment:  snap.Treatment,
		Seed:       snap.Seed,
		FinalRound: snap.Header.Round,
		Reason:     snap.State.GameOverReason,
		LastRepID:  snap.State.LastRepID,
		Snapshot:   filepath.Base(dst),
		Rounds:     rounds,
		Totals:     snap.Totals,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(archiveDir, "meta.json"), b, 0o644)
	}

	return archiveDir, true, nil
}

// ReadMeta loads meta.json from an archive directory.
func ReadMeta(archiveDir string) (SessionArchiveMeta, error) {
	var m SessionArchiveMeta
	b, err := os.ReadFile(filepath.Join(archiveDir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
