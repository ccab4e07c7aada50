package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"lameduck.lab/internal/protocol"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

func newTestHub(seats int) *Hub {
	return NewHub(HubOptions{
		SessionID: "s1",
		Treatment: "T2a",
		Config:    rotation.Config{Kind: rotation.KindVoteOut, NumVoters: 1, Stage2Cost: 50},
		Seats:     seats,
	})
}

func join(t *testing.T, h *Hub, label string) (string, chan []byte) {
	t.Helper()
	out := make(chan []byte, 16)
	w, err := h.Join(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Label: label}, out)
	if err != nil {
		t.Fatalf("join %s: %v", label, err)
	}
	return w.ParticipantID, out
}

func nextOfType(t *testing.T, out chan []byte, typ string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-out:
			base, err := protocol.DecodeBase(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if base.Type == typ {
				return b
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestHub_SeatsInJoinOrderAndRejectsWhenFull(t *testing.T) {
	h := newTestHub(2)
	a, _ := join(t, h, "alice")
	b, _ := join(t, h, "")
	if a != "P1" || b != "P2" {
		t.Fatalf("ids=%s,%s want P1,P2", a, b)
	}

	roster, err := h.WaitRoster(context.Background())
	if err != nil {
		t.Fatalf("WaitRoster: %v", err)
	}
	if len(roster) != 2 || roster[0].Label != "alice" || roster[1].Label != "P2" {
		t.Fatalf("roster=%+v", roster)
	}

	_, err = h.Join(protocol.HelloMsg{}, make(chan []byte, 1))
	var je *JoinError
	if !errors.As(err, &je) || je.Code != protocol.ErrSessionFull {
		t.Fatalf("err=%v want %s", err, protocol.ErrSessionFull)
	}
}

func TestHub_ResumeTokenReattaches(t *testing.T) {
	h := newTestHub(1)
	out := make(chan []byte, 4)
	w, err := h.Join(protocol.HelloMsg{}, out)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	h.Detach(w.ParticipantID, out)
	if h.Connected() != 0 {
		t.Fatalf("connected=%d want 0", h.Connected())
	}

	w2, err := h.Join(protocol.HelloMsg{ResumeToken: w.ResumeToken}, make(chan []byte, 4))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if w2.ParticipantID != w.ParticipantID || h.Connected() != 1 {
		t.Fatalf("resume id=%s connected=%d", w2.ParticipantID, h.Connected())
	}

	_, err = h.Join(protocol.HelloMsg{ResumeToken: "nope"}, make(chan []byte, 1))
	var je *JoinError
	if !errors.As(err, &je) || je.Code != protocol.ErrUnknownToken {
		t.Fatalf("err=%v want %s", err, protocol.ErrUnknownToken)
	}
}

func TestHub_PreseatRestoresTokens(t *testing.T) {
	h := newTestHub(2)
	h.Preseat([]rotation.Participant{{ID: "P1"}, {ID: "P2"}}, map[string]string{"P1": "tok1"})
	if _, err := h.WaitRoster(context.Background()); err != nil {
		t.Fatalf("WaitRoster: %v", err)
	}
	w, err := h.Join(protocol.HelloMsg{ResumeToken: "tok1"}, make(chan []byte, 1))
	if err != nil || w.ParticipantID != "P1" {
		t.Fatalf("resume P1: id=%s err=%v", w.ParticipantID, err)
	}
	if tok := h.Tokens()["P2"]; tok == "" {
		t.Fatalf("expected generated token for P2")
	}
}

func TestHub_StageCollectsAndRejects(t *testing.T) {
	h := newTestHub(2)
	p1, out1 := join(t, h, "a")
	p2, out2 := join(t, h, "b")

	replace := true
	score := 9
	// Wrong stage, then a vote from a participant the stage does not expect,
	// then the real ballot.
	h.Submit(p1, protocol.SubmitMsg{Round: 1, Stage: "PRODUCTION", Score: &score})
	h.Submit(p2, protocol.SubmitMsg{Round: 1, Stage: "VOTE", Replace: &replace})
	h.Submit(p1, protocol.SubmitMsg{Round: 1, Stage: "VOTE", Replace: &replace})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := h.Ballots(ctx, session.StagePrompt{Round: 1, Stage: session.StageVote, Expected: []string{p1}, RepID: p2})
	if err != nil {
		t.Fatalf("Ballots: %v", err)
	}
	if len(got) != 1 || !got[p1] {
		t.Fatalf("ballots=%v", got)
	}

	var e1 protocol.ErrorMsg
	_ = json.Unmarshal(nextOfType(t, out1, protocol.TypeError), &e1)
	if e1.Code != protocol.ErrStageClosed {
		t.Fatalf("p1 error=%s want %s", e1.Code, protocol.ErrStageClosed)
	}
	var e2 protocol.ErrorMsg
	_ = json.Unmarshal(nextOfType(t, out2, protocol.TypeError), &e2)
	if e2.Code != protocol.ErrNotEligible {
		t.Fatalf("p2 error=%s want %s", e2.Code, protocol.ErrNotEligible)
	}
}

func TestHub_DeadlineReturnsPartial(t *testing.T) {
	h := newTestHub(2)
	p1, _ := join(t, h, "a")
	p2, _ := join(t, h, "b")

	score := 30
	h.Submit(p1, protocol.SubmitMsg{Round: 2, Stage: "PRODUCTION", Score: &score})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err := h.Contributions(ctx, session.StagePrompt{Round: 2, Stage: session.StageProduction, Expected: []string{p1, p2}})
	if err != nil {
		t.Fatalf("deadline must not be an error: %v", err)
	}
	if len(got) != 1 || got[p1] != 30 {
		t.Fatalf("contributions=%v", got)
	}
}

func TestHub_CancelAborts(t *testing.T) {
	h := newTestHub(1)
	p1, _ := join(t, h, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Contributions(ctx, session.StagePrompt{Round: 1, Stage: session.StageProduction, Expected: []string{p1}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestHub_LegacyAcceptsNumericCode(t *testing.T) {
	h := newTestHub(1)
	p1, out := join(t, h, "a")
	code := 1
	h.Submit(p1, protocol.SubmitMsg{Round: 4, Stage: "LEGACY", LegacyCode: &code})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	choice, ok, err := h.Legacy(ctx, session.StagePrompt{Round: 4, Stage: session.StageLegacy, Expected: []string{p1}, RepID: p1})
	if err != nil || !ok || choice != rotation.LegacySabotage {
		t.Fatalf("choice=%s ok=%v err=%v", choice, ok, err)
	}

	var prompt protocol.PromptMsg
	_ = json.Unmarshal(nextOfType(t, out, protocol.TypePrompt), &prompt)
	if prompt.Stage != "LEGACY" || len(prompt.LegacyOptions) != 3 || prompt.Stage2Cost != 50 {
		t.Fatalf("prompt=%+v", prompt)
	}
}

func TestHub_ConcludedSendsOwnTotalsAndBlocksNewSeats(t *testing.T) {
	h := newTestHub(2)
	p1, out1 := join(t, h, "a")
	h.Concluded(session.StatusView{SessionID: "s1", Round: 9, GameOver: true, GameOverReason: rotation.ReasonPoolExhausted},
		session.Totals{ByParticipant: map[string]float64{p1: 120}, VoterPoints: 120, Overall: 120})

	var c protocol.ConcludedMsg
	_ = json.Unmarshal(nextOfType(t, out1, protocol.TypeConcluded), &c)
	if c.OwnTotal != 120 || c.Rounds != 9 || c.Reason != rotation.ReasonPoolExhausted {
		t.Fatalf("concluded=%+v", c)
	}

	_, err := h.Join(protocol.HelloMsg{}, make(chan []byte, 1))
	var je *JoinError
	if !errors.As(err, &je) || je.Code != protocol.ErrSessionOver {
		t.Fatalf("err=%v want %s", err, protocol.ErrSessionOver)
	}
}
