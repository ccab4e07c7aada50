package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"lameduck.lab/internal/sim/rotation"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	SessionID string `json:"session_id"`
	Round     int    `json:"round"`
}

type SnapshotV1 struct {
	Header Header `json:"header"`

	Treatment string                 `json:"treatment"`
	Seed      uint64                 `json:"seed"`
	Config    rotation.Config        `json:"config"`
	Roster    []rotation.Participant `json:"roster"`

	// InitialVoters is the voter set fixed at round one.
	InitialVoters []string       `json:"initial_voters"`
	State         rotation.State `json:"state"`
	RNG           []byte         `json:"rng"`

	Totals  map[string]float64 `json:"totals"`
	Records int                `json:"records"`

	// Operational parameters (captured for resume).
	ProductionTimeoutMS int64 `json:"production_timeout_ms,omitempty"`
	VoteTimeoutMS       int64 `json:"vote_timeout_ms,omitempty"`
	LegacyTimeoutMS     int64 `json:"legacy_timeout_ms,omitempty"`
	SnapshotEveryRounds int   `json:"snapshot_every_rounds,omitempty"`
}

// FileName is the snapshot file for a committed round.
func FileName(round int) string { return fmt.Sprintf("%06d.snap.zst", round) }

// WriteSnapshot writes a JSON header line followed by a gob body, zstd
// compressed. The file is renamed into place once complete.
func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()
	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
