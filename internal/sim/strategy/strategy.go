// Package strategy provides automated participant behaviour for bots,
// offline simulation and tests.
package strategy

import (
	"context"
	"fmt"
	"strings"

	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

// Decider answers for one participant at a time. ok=false means the
// participant does not submit.
type Decider interface {
	Score(p session.StagePrompt, id string) (score int, ok bool)
	Ballot(p session.StagePrompt, id string) (replace bool, ok bool)
	Legacy(p session.StagePrompt, id string) (choice rotation.LegacyChoice, ok bool)
}

// Inputs adapts a Decider to session.Inputs by asking it for every
// expected participant in prompt order.
type Inputs struct{ D Decider }

func AsInputs(d Decider) session.Inputs { return Inputs{D: d} }

func (in Inputs) Contributions(ctx context.Context, p session.StagePrompt) (map[string]int, error) {
	out := make(map[string]int, len(p.Expected))
	for _, id := range p.Expected {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if v, ok := in.D.Score(p, id); ok {
			out[id] = v
		}
	}
	return out, nil
}

func (in Inputs) Ballots(ctx context.Context, p session.StagePrompt) (map[string]bool, error) {
	out := make(map[string]bool, len(p.Expected))
	for _, id := range p.Expected {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if v, ok := in.D.Ballot(p, id); ok {
			out[id] = v
		}
	}
	return out, nil
}

func (in Inputs) Legacy(ctx context.Context, p session.StagePrompt) (rotation.LegacyChoice, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if len(p.Expected) == 0 {
		return "", false, nil
	}
	c, ok := in.D.Legacy(p, p.Expected[0])
	return c, ok, nil
}

type Options struct {
	Name string
	Seed uint64

	// random
	ReplaceProb   float64
	Participation float64

	// threshold
	Threshold float64
	Score     int
	Legacy    rotation.LegacyChoice

	// scripted
	ScriptPath string
}

// Names lists the strategies New accepts.
func Names() []string { return []string{"random", "threshold", "absent", "scripted"} }

func New(o Options) (Decider, error) {
	switch strings.ToLower(strings.TrimSpace(o.Name)) {
	case "", "random":
		return NewRandom(o.Seed, o.ReplaceProb, o.Participation), nil
	case "threshold":
		return NewThreshold(o.Threshold, o.Score, o.Legacy), nil
	case "absent":
		return Absent{}, nil
	case "scripted":
		if o.ScriptPath == "" {
			return nil, fmt.Errorf("scripted strategy needs a script path")
		}
		return LoadScript(o.ScriptPath)
	default:
		return nil, fmt.Errorf("unknown strategy %q (have %s)", o.Name, strings.Join(Names(), ", "))
	}
}

// Absent never submits.
type Absent struct{}

func (Absent) Score(session.StagePrompt, string) (int, bool)                    { return 0, false }
func (Absent) Ballot(session.StagePrompt, string) (bool, bool)                  { return false, false }
func (Absent) Legacy(session.StagePrompt, string) (rotation.LegacyChoice, bool) { return "", false }
