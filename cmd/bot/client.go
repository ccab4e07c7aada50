package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"lameduck.lab/internal/protocol"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
	"lameduck.lab/internal/sim/strategy"
)

// client plays one seat. It keeps its resume token across reconnects so a
// dropped connection rejoins the same seat.
type client struct {
	url     string
	label   string
	decider strategy.Decider
	log     *log.Logger

	id      string
	token   string
	kind    rotation.TreatmentKind
	lastPot float64
	result  *protocol.ConcludedMsg
}

var errConcluded = errors.New("session concluded")

// run connects and plays until the session concludes, a fatal protocol
// error arrives, or ctx is cancelled. Transport failures are retried with
// exponential backoff.
func (c *client) run(ctx context.Context, maxElapsed time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed

	notify := func(err error, wait time.Duration) {
		c.log.Printf("connection lost (%v), retrying in %s", err, wait)
	}
	err := backoff.RetryNotify(func() error { return c.play(ctx) }, backoff.WithContext(b, ctx), notify)
	if errors.Is(err, errConcluded) {
		return nil
	}
	return err
}

func (c *client) play(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Label:           c.label,
		ResumeToken:     c.token,
	}
	if err := conn.WriteJSON(hello); err != nil {
		return err
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if err := c.handle(conn, msg); err != nil {
			return err
		}
	}
}

func (c *client) handle(conn *websocket.Conn, msg []byte) error {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return nil
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return nil
		}
		c.id, c.token = w.ParticipantID, w.ResumeToken
		c.kind = rotation.TreatmentKind(w.Kind)
		c.log.Printf("WELCOME participant=%s session=%s treatment=%s seats=%d/%d", w.ParticipantID, w.SessionID, w.Treatment, w.Joined, w.Seats)

	case protocol.TypeStatus:
		var s protocol.StatusMsg
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil
		}
		c.log.Printf("STATUS round=%d role=%s rep=%s term=%d", s.Round, s.Role, s.CurrentRepID, s.TermRound)

	case protocol.TypePrompt:
		var p protocol.PromptMsg
		if err := json.Unmarshal(msg, &p); err != nil {
			return nil
		}
		sub, ok := c.answer(p)
		if !ok {
			return nil
		}
		return conn.WriteJSON(sub)

	case protocol.TypeRoundResult:
		var r protocol.RoundResultMsg
		if err := json.Unmarshal(msg, &r); err != nil {
			return nil
		}
		c.lastPot = r.Pot
		c.log.Printf("ROUND_RESULT round=%d pot=%.2f payoff=%.2f outcome=%s", r.Round, r.Pot, r.Payoff, r.Outcome)

	case protocol.TypeConcluded:
		var m protocol.ConcludedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		c.result = &m
		c.log.Printf("CONCLUDED reason=%q rounds=%d own_total=%.2f overall=%.2f", m.Reason, m.Rounds, m.OwnTotal, m.Overall)
		return backoff.Permanent(errConcluded)

	case protocol.TypeError:
		var e protocol.ErrorMsg
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil
		}
		switch e.Code {
		case protocol.ErrSessionFull, protocol.ErrSessionOver, protocol.ErrProtoVersion:
			return backoff.Permanent(fmt.Errorf("%s: %s", e.Code, e.Message))
		case protocol.ErrUnknownToken:
			// The server lost our seat; join fresh on the next attempt.
			c.token = ""
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		c.log.Printf("ERROR %s: %s", e.Code, e.Message)
	}
	return nil
}

// answer asks the decider for a PROMPT. ok is false when the decider
// abstains.
func (c *client) answer(m protocol.PromptMsg) (protocol.SubmitMsg, bool) {
	p := stagePrompt(c.kind, c.id, m, c.lastPot)
	sub := protocol.SubmitMsg{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		Round:           m.Round,
		Stage:           m.Stage,
	}
	switch p.Stage {
	case session.StageProduction:
		v, ok := c.decider.Score(p, c.id)
		if !ok {
			return sub, false
		}
		sub.Score = &v
	case session.StageVote:
		v, ok := c.decider.Ballot(p, c.id)
		if !ok {
			return sub, false
		}
		sub.Replace = &v
	case session.StageLegacy:
		v, ok := c.decider.Legacy(p, c.id)
		if !ok {
			return sub, false
		}
		sub.Legacy = string(v)
	default:
		return sub, false
	}
	return sub, true
}

// stagePrompt rebuilds the engine's view of a stage from what one
// participant is told about it.
func stagePrompt(kind rotation.TreatmentKind, id string, m protocol.PromptMsg, lastPot float64) session.StagePrompt {
	p := session.StagePrompt{
		Round:    m.Round,
		Stage:    session.Stage(m.Stage),
		Kind:     kind,
		Expected: []string{id},
		ScoreMin: m.ScoreMin,
		ScoreMax: m.ScoreMax,
		LastPot:  lastPot,
	}
	if m.DeadlineUnixMS > 0 {
		p.Deadline = time.UnixMilli(m.DeadlineUnixMS)
	}
	switch p.Stage {
	case session.StageProduction:
		if m.Role == rotation.RoleActiveRep.String() {
			p.RepID = id
			p.RepCoefficient = m.Rate
		} else {
			p.VoterCoefficient = m.Rate
		}
	case session.StageVote:
		p.RepID = m.ActiveRepID
	case session.StageLegacy:
		p.RepID = id
	}
	return p
}
