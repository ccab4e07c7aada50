package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

// Script is a YAML file of per-round inputs keyed by participant id.
// Rounds not listed fall back to Default; a nil Default means no
// submission.
type Script struct {
	Default *ScriptDefault `yaml:"default"`
	Rounds  []ScriptRound  `yaml:"rounds"`

	byRound map[int]ScriptRound
}

type ScriptDefault struct {
	Score   *int                  `yaml:"score"`
	Replace *bool                 `yaml:"replace"`
	Legacy  rotation.LegacyChoice `yaml:"legacy"`
}

type ScriptRound struct {
	Round         int                   `yaml:"round"`
	Contributions map[string]int        `yaml:"contributions"`
	Ballots       map[string]bool       `yaml:"ballots"`
	Legacy        rotation.LegacyChoice `yaml:"legacy"`
}

func LoadScript(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(b)
}

func ParseScript(b []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("script: %w", err)
	}
	if err := s.normalize(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Script) normalize() error {
	s.byRound = make(map[int]ScriptRound, len(s.Rounds))
	for i := range s.Rounds {
		r := &s.Rounds[i]
		if r.Round < 1 {
			return fmt.Errorf("script: rounds[%d]: round must be >= 1", i)
		}
		if _, dup := s.byRound[r.Round]; dup {
			return fmt.Errorf("script: duplicate round %d", r.Round)
		}
		if r.Legacy != "" {
			r.Legacy = rotation.LegacyChoice(strings.ToUpper(string(r.Legacy)))
			if !r.Legacy.Valid() {
				return fmt.Errorf("script: round %d: invalid legacy %q", r.Round, r.Legacy)
			}
		}
		s.byRound[r.Round] = *r
	}
	if s.Default != nil && s.Default.Legacy != "" {
		s.Default.Legacy = rotation.LegacyChoice(strings.ToUpper(string(s.Default.Legacy)))
		if !s.Default.Legacy.Valid() {
			return fmt.Errorf("script: default: invalid legacy %q", s.Default.Legacy)
		}
	}
	return nil
}

func (s *Script) Score(p session.StagePrompt, id string) (int, bool) {
	if r, ok := s.byRound[p.Round]; ok {
		v, ok := r.Contributions[id]
		return v, ok
	}
	if s.Default != nil && s.Default.Score != nil {
		return *s.Default.Score, true
	}
	return 0, false
}

func (s *Script) Ballot(p session.StagePrompt, id string) (bool, bool) {
	if r, ok := s.byRound[p.Round]; ok {
		v, ok := r.Ballots[id]
		return v, ok
	}
	if s.Default != nil && s.Default.Replace != nil {
		return *s.Default.Replace, true
	}
	return false, false
}

func (s *Script) Legacy(p session.StagePrompt, _ string) (rotation.LegacyChoice, bool) {
	if r, ok := s.byRound[p.Round]; ok {
		return r.Legacy, r.Legacy != ""
	}
	if s.Default != nil && s.Default.Legacy != "" {
		return s.Default.Legacy, true
	}
	return "", false
}
