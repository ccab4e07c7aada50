package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"lameduck.lab/internal/sim/session"
)

// ListFiles returns <prefix>-*.jsonl.zst files in dir, oldest first.
func ListFiles(dir, prefix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix+"-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

// ForEachRound decodes the round log under sessionDir in write order.
// Iteration stops at the first error returned by fn.
func ForEachRound(sessionDir string, fn func(session.RoundLogEntry) error) error {
	files, err := ListFiles(RoundsDir(sessionDir), roundsPrefix)
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := forEachLine(path, func(line []byte) error {
			var e session.RoundLogEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			return fn(e)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReadRounds loads the whole round log.
func ReadRounds(sessionDir string) ([]session.RoundLogEntry, error) {
	var out []session.RoundLogEntry
	err := ForEachRound(sessionDir, func(e session.RoundLogEntry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func forEachLine(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}
