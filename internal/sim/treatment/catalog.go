// Package treatment loads the catalog of named session configs.
package treatment

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lameduck.lab/internal/sim/rotation"
)

type Catalog struct {
	DefaultTreatment string `yaml:"default_treatment"`
	Treatments       []Spec `yaml:"treatments"`
}

// Spec is one named session config.
type Spec struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	Kind            rotation.TreatmentKind `yaml:"kind"`
	NumParticipants int                    `yaml:"num_participants"`
	NumVoters       int                    `yaml:"num_voters"`
	TermLength      int                    `yaml:"term_length"`
	MaxRounds       int                    `yaml:"max_rounds"`

	IndefiniteHorizonStartRound int     `yaml:"indefinite_horizon_start_round"`
	ContinuationProbability     float64 `yaml:"continuation_probability"`
	ChaosProbability            float64 `yaml:"chaos_probability"`

	RepSalary        float64 `yaml:"rep_salary"`
	Stage2Cost       float64 `yaml:"stage2_cost"`
	RepCoefficient   float64 `yaml:"rep_coefficient"`
	VoterCoefficient float64 `yaml:"voter_coefficient"`
	ScoreMin         int     `yaml:"score_min"`
	ScoreMax         *int    `yaml:"score_max"`

	LegacyEligible []rotation.Mechanism `yaml:"legacy_eligible"`

	Timeouts            Timeouts `yaml:"timeouts"`
	SnapshotEveryRounds int      `yaml:"snapshot_every_rounds"`
}

// Timeouts are stage windows in seconds.
type Timeouts struct {
	ProductionSec int `yaml:"production_sec"`
	VoteSec       int `yaml:"vote_sec"`
	LegacySec     int `yaml:"legacy_sec"`
}

func (t Timeouts) Production() time.Duration { return time.Duration(t.ProductionSec) * time.Second }
func (t Timeouts) Vote() time.Duration       { return time.Duration(t.VoteSec) * time.Second }
func (t Timeouts) Legacy() time.Duration     { return time.Duration(t.LegacySec) * time.Second }

const (
	defaultNumVoters        = 3
	defaultTermLength       = 3
	defaultMaxRounds        = 10
	defaultParticipants     = 8
	defaultRepSalary        = 150
	defaultStage2Cost       = 50
	defaultRepCoefficient   = 50
	defaultVoterCoefficient = 5
	defaultScoreMax         = 50
	defaultProductionSec    = 60
	defaultVoteSec          = 30
	defaultLegacySec        = 30
	defaultSnapshotEvery    = 5
)

func Load(path string) (Catalog, error) {
	c := defaults()
	if strings.TrimSpace(path) == "" {
		c.Normalize()
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	c = Catalog{}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("treatments.yaml: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("treatments.yaml: %w", err)
	}
	return c, nil
}

func defaults() Catalog {
	return Catalog{
		DefaultTreatment: "T2a",
		Treatments: []Spec{
			{ID: "T1", Name: "Term limits, no vote", Kind: rotation.KindNoVote},
			{ID: "T2a", Name: "Vote out", Kind: rotation.KindVoteOut},
			{
				ID: "T2b", Name: "Chaos vote", Kind: rotation.KindChaosVote,
				ChaosProbability:            0.40,
				IndefiniteHorizonStartRound: 6,
				ContinuationProbability:     0.90,
			},
			{
				ID: "T3", Name: "Term limit hybrid", Kind: rotation.KindTermLimitHybrid,
				MaxRounds:                   20,
				RepSalary:                   250,
				IndefiniteHorizonStartRound: 7,
				ContinuationProbability:     0.80,
			},
		},
	}
}

// Normalize fills zero fields with the lab defaults.
func (c *Catalog) Normalize() {
	if c == nil {
		return
	}
	for i := range c.Treatments {
		s := &c.Treatments[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Kind = rotation.TreatmentKind(strings.ToUpper(strings.TrimSpace(string(s.Kind))))
		if s.Name == "" {
			s.Name = s.ID
		}
		if s.NumVoters == 0 {
			s.NumVoters = defaultNumVoters
		}
		if s.NumParticipants == 0 {
			s.NumParticipants = defaultParticipants
		}
		if s.TermLength == 0 {
			s.TermLength = defaultTermLength
		}
		if s.MaxRounds == 0 {
			s.MaxRounds = defaultMaxRounds
		}
		if s.RepSalary == 0 {
			s.RepSalary = defaultRepSalary
		}
		if s.Stage2Cost == 0 {
			s.Stage2Cost = defaultStage2Cost
		}
		if s.RepCoefficient == 0 {
			s.RepCoefficient = defaultRepCoefficient
		}
		if s.VoterCoefficient == 0 {
			s.VoterCoefficient = defaultVoterCoefficient
		}
		if s.ScoreMax == nil {
			v := defaultScoreMax
			s.ScoreMax = &v
		}
		if len(s.LegacyEligible) == 0 {
			s.LegacyEligible = rotation.DefaultLegacyEligible(s.Kind)
		}
		if s.Timeouts.ProductionSec == 0 {
			s.Timeouts.ProductionSec = defaultProductionSec
		}
		if s.Timeouts.VoteSec == 0 {
			s.Timeouts.VoteSec = defaultVoteSec
		}
		if s.Timeouts.LegacySec == 0 {
			s.Timeouts.LegacySec = defaultLegacySec
		}
		if s.SnapshotEveryRounds == 0 {
			s.SnapshotEveryRounds = defaultSnapshotEvery
		}
	}
	if c.DefaultTreatment == "" && len(c.Treatments) > 0 {
		c.DefaultTreatment = c.Treatments[0].ID
	}
}

func (c Catalog) Validate() error {
	c.Normalize()
	if len(c.Treatments) == 0 {
		return fmt.Errorf("treatments must not be empty")
	}
	seen := map[string]bool{}
	for _, s := range c.Treatments {
		if s.ID == "" {
			return fmt.Errorf("treatment id must not be empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate treatment id: %s", s.ID)
		}
		seen[s.ID] = true
		if err := s.Config().Validate(); err != nil {
			return fmt.Errorf("treatment %s: %w", s.ID, err)
		}
		if s.NumParticipants < s.NumVoters+1 {
			return fmt.Errorf("treatment %s: num_participants must be >= num_voters+1", s.ID)
		}
		if s.Timeouts.ProductionSec < 0 || s.Timeouts.VoteSec < 0 || s.Timeouts.LegacySec < 0 {
			return fmt.Errorf("treatment %s: timeouts must be >= 0", s.ID)
		}
		if s.SnapshotEveryRounds < 0 {
			return fmt.Errorf("treatment %s: snapshot_every_rounds must be >= 0", s.ID)
		}
	}
	if !seen[c.DefaultTreatment] {
		return fmt.Errorf("default_treatment %q not found in treatments", c.DefaultTreatment)
	}
	return nil
}

// Config resolves the treatment into the engine configuration.
func (s Spec) Config() rotation.Config {
	max := defaultScoreMax
	if s.ScoreMax != nil {
		max = *s.ScoreMax
	}
	return rotation.Config{
		Kind:                        s.Kind,
		NumVoters:                   s.NumVoters,
		TermLength:                  s.TermLength,
		MaxRounds:                   s.MaxRounds,
		IndefiniteHorizonStartRound: s.IndefiniteHorizonStartRound,
		ContinuationProbability:     s.ContinuationProbability,
		ChaosProbability:            s.ChaosProbability,
		RepSalary:                   s.RepSalary,
		Stage2Cost:                  s.Stage2Cost,
		RepCoefficient:              s.RepCoefficient,
		VoterCoefficient:            s.VoterCoefficient,
		ScoreMin:                    s.ScoreMin,
		ScoreMax:                    max,
		LegacyEligible:              append([]rotation.Mechanism(nil), s.LegacyEligible...),
	}
}

func (c Catalog) ByID(id string) (Spec, bool) {
	for _, s := range c.Treatments {
		if strings.EqualFold(s.ID, id) {
			return s, true
		}
	}
	return Spec{}, false
}

// Lookup returns the named treatment, or the default when id is empty.
func (c Catalog) Lookup(id string) (Spec, error) {
	if strings.TrimSpace(id) == "" {
		id = c.DefaultTreatment
	}
	s, ok := c.ByID(id)
	if !ok {
		return Spec{}, fmt.Errorf("unknown treatment %q (have %s)", id, strings.Join(c.IDs(), ", "))
	}
	return s, nil
}

func (c Catalog) IDs() []string {
	out := make([]string, 0, len(c.Treatments))
	for _, s := range c.Treatments {
		out = append(out, s.ID)
	}
	sort.Strings(out)
	return out
}
