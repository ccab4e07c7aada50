package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"

	"lameduck.lab/internal/protocol"
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

type HubOptions struct {
	SessionID string
	Treatment string
	Config    rotation.Config
	Seats     int
	Logger    *log.Logger
	// InboxSize bounds queued submissions; 0 uses 1024.
	InboxSize int
}

// JoinError is a handshake rejection carrying a protocol error code.
type JoinError struct {
	Code    string
	Message string
}

func (e *JoinError) Error() string { return e.Code + ": " + e.Message }

// Hub seats participants and serves as the live session.Inputs and
// session.Notifier. Submissions are queued on a single inbox drained by
// whichever stage barrier is open.
type Hub struct {
	opts HubOptions
	log  *log.Logger

	inbox chan submission
	full  chan struct{}

	mu       sync.Mutex
	seats    map[string]*seat
	order    []string
	byToken  map[string]string
	fullOnce sync.Once
	status   session.StatusView
	open     *openStage
	totals   *session.Totals
}

type seat struct {
	id    string
	label string
	token string
	out   chan []byte
}

type openStage struct {
	prompt   session.StagePrompt
	accepted map[string]bool
}

type submission struct {
	id  string
	msg protocol.SubmitMsg
}

func NewHub(opts HubOptions) *Hub {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Hub{
		opts:    opts,
		log:     logger,
		inbox:   make(chan submission, opts.InboxSize),
		full:    make(chan struct{}),
		seats:   map[string]*seat{},
		byToken: map[string]string{},
	}
}

// Preseat restores a roster and its resume tokens, for a session resumed
// from a snapshot. Seats stay detached until their owner reconnects.
func (h *Hub) Preseat(roster []rotation.Participant, tokens map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range roster {
		if _, ok := h.seats[p.ID]; ok {
			continue
		}
		tok := tokens[p.ID]
		if tok == "" {
			tok = uuid.NewString()
		}
		h.seats[p.ID] = &seat{id: p.ID, label: p.Label, token: tok}
		h.order = append(h.order, p.ID)
		h.byToken[tok] = p.ID
	}
	h.markFullLocked()
}

func (h *Hub) markFullLocked() {
	if len(h.order) >= h.opts.Seats {
		h.fullOnce.Do(func() { close(h.full) })
	}
}

// WaitRoster blocks until every seat is taken and returns the roster in
// join order.
func (h *Hub) WaitRoster(ctx context.Context) ([]rotation.Participant, error) {
	select {
	case <-h.full:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.Roster(), nil
}

func (h *Hub) Roster() []rotation.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]rotation.Participant, 0, len(h.order))
	for _, id := range h.order {
		s := h.seats[id]
		out = append(out, rotation.Participant{ID: s.id, Label: s.label})
	}
	return out
}

// Tokens returns participant id -> resume token.
func (h *Hub) Tokens() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.seats))
	for id, s := range h.seats {
		out[id] = s.token
	}
	return out
}

// Connected counts seats with a live connection.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.seats {
		if s.out != nil {
			n++
		}
	}
	return n
}

// Join seats a new participant or reattaches one by resume token. Messages
// for the participant are queued on out.
func (h *Hub) Join(hello protocol.HelloMsg, out chan []byte) (protocol.WelcomeMsg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var s *seat
	if tok := strings.TrimSpace(hello.ResumeToken); tok != "" {
		id, ok := h.byToken[tok]
		if !ok {
			return protocol.WelcomeMsg{}, &JoinError{Code: protocol.ErrUnknownToken, Message: "unknown resume token"}
		}
		s = h.seats[id]
	} else {
		if h.totals != nil {
			return protocol.WelcomeMsg{}, &JoinError{Code: protocol.ErrSessionOver, Message: "session has concluded"}
		}
		if len(h.order) >= h.opts.Seats {
			return protocol.WelcomeMsg{}, &JoinError{Code: protocol.ErrSessionFull, Message: fmt.Sprintf("all %d seats are taken", h.opts.Seats)}
		}
		id := fmt.Sprintf("P%d", len(h.order)+1)
		label := strings.TrimSpace(hello.Label)
		if label == "" {
			label = id
		}
		s = &seat{id: id, label: label, token: uuid.NewString()}
		h.seats[id] = s
		h.order = append(h.order, id)
		h.byToken[s.token] = id
		h.log.Printf("session %s: seated %s (%s), %d/%d", h.opts.SessionID, id, label, len(h.order), h.opts.Seats)
	}
	s.out = out

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ParticipantID:   s.id,
		ResumeToken:     s.token,
		SessionID:       h.opts.SessionID,
		Treatment:       h.opts.Treatment,
		Kind:            string(h.opts.Config.Kind),
		Seats:           h.opts.Seats,
		Joined:          len(h.order),
	}
	h.markFullLocked()
	return welcome, nil
}

// Resync queues the state a reconnecting participant missed: the
// conclusion if the game is over, else the round status and any open
// prompt still waiting on them.
func (h *Hub) Resync(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totals != nil {
		h.sendLocked(id, h.concludedMsg(id))
		return
	}
	if h.status.SessionID == "" {
		return
	}
	h.sendLocked(id, h.statusMsg(id, h.status.Round+1, true))
	if h.open != nil && !h.open.accepted[id] && contains(h.open.prompt.Expected, id) {
		h.sendLocked(id, h.promptMsg(id, h.open.prompt))
	}
}

// Detach drops the connection for id if out is still the current one.
func (h *Hub) Detach(id string, out chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.seats[id]; ok && s.out == out {
		s.out = nil
	}
}

// Submit queues a validated SUBMIT. It reports false when the inbox is full.
func (h *Hub) Submit(id string, msg protocol.SubmitMsg) bool {
	select {
	case h.inbox <- submission{id: id, msg: msg}:
		return true
	default:
		return false
	}
}

// Send queues v for one participant, dropping it when the queue is full.
func (h *Hub) Send(id string, v any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendLocked(id, v)
}

func (h *Hub) sendLocked(id string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.sendRawLocked(id, b)
}

func (h *Hub) sendRawLocked(id string, b []byte) {
	s, ok := h.seats[id]
	if !ok || s.out == nil {
		return
	}
	select {
	case s.out <- b:
	default:
		h.log.Printf("session %s: outbound queue full for %s, dropped message", h.opts.SessionID, id)
	}
}

// Inputs.

func (h *Hub) Contributions(ctx context.Context, p session.StagePrompt) (map[string]int, error) {
	out := map[string]int{}
	err := h.collect(ctx, p, func(id string, m protocol.SubmitMsg) string {
		if m.Score == nil {
			return "score is required"
		}
		out[id] = *m.Score
		return ""
	})
	return out, err
}

func (h *Hub) Ballots(ctx context.Context, p session.StagePrompt) (map[string]bool, error) {
	out := map[string]bool{}
	err := h.collect(ctx, p, func(id string, m protocol.SubmitMsg) string {
		if m.Replace == nil {
			return "replace is required"
		}
		out[id] = *m.Replace
		return ""
	})
	return out, err
}

func (h *Hub) Legacy(ctx context.Context, p session.StagePrompt) (rotation.LegacyChoice, bool, error) {
	var (
		choice rotation.LegacyChoice
		ok     bool
	)
	err := h.collect(ctx, p, func(id string, m protocol.SubmitMsg) string {
		c, valid := parseLegacy(m)
		if !valid {
			return "legacy must be SABOTAGE, HELP or NEUTRAL"
		}
		choice, ok = c, true
		return ""
	})
	return choice, ok, err
}

func parseLegacy(m protocol.SubmitMsg) (rotation.LegacyChoice, bool) {
	if m.Legacy != "" {
		c := rotation.LegacyChoice(strings.ToUpper(strings.TrimSpace(m.Legacy)))
		return c, c.Valid()
	}
	if m.LegacyCode != nil {
		return rotation.ParseLegacyCode(*m.LegacyCode)
	}
	return "", false
}

// collect opens a stage, prompts the expected participants and drains the
// inbox until each has answered or ctx is done. take returns a rejection
// message, or "" to accept.
func (h *Hub) collect(ctx context.Context, p session.StagePrompt, take func(id string, m protocol.SubmitMsg) string) error {
	pending := make(map[string]bool, len(p.Expected))
	for _, id := range p.Expected {
		pending[id] = true
	}

	h.mu.Lock()
	h.open = &openStage{prompt: p, accepted: map[string]bool{}}
	for _, id := range p.Expected {
		h.sendLocked(id, h.promptMsg(id, p))
	}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.open = nil
		h.mu.Unlock()
	}()

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		case sub := <-h.inbox:
			if sub.msg.Round != p.Round || session.Stage(sub.msg.Stage) != p.Stage {
				h.Send(sub.id, protocol.NewError(protocol.ErrStageClosed,
					fmt.Sprintf("round %d %s is not open", sub.msg.Round, sub.msg.Stage)))
				continue
			}
			if !pending[sub.id] {
				h.mu.Lock()
				dup := h.open.accepted[sub.id]
				h.mu.Unlock()
				if dup {
					h.Send(sub.id, protocol.NewError(protocol.ErrDuplicate, "already submitted for this stage"))
				} else {
					h.Send(sub.id, protocol.NewError(protocol.ErrNotEligible, fmt.Sprintf("%s does not take part in %s", sub.id, p.Stage)))
				}
				continue
			}
			if msg := take(sub.id, sub.msg); msg != "" {
				h.Send(sub.id, protocol.NewError(protocol.ErrBadValue, msg))
				continue
			}
			delete(pending, sub.id)
			h.mu.Lock()
			h.open.accepted[sub.id] = true
			h.mu.Unlock()
		}
	}
	return nil
}

func (h *Hub) promptMsg(id string, p session.StagePrompt) protocol.PromptMsg {
	m := protocol.PromptMsg{
		Type:            protocol.TypePrompt,
		ProtocolVersion: protocol.Version,
		Round:           p.Round,
		Stage:           string(p.Stage),
		Role:            h.status.RoleOf(id).String(),
	}
	if !p.Deadline.IsZero() {
		m.DeadlineUnixMS = p.Deadline.UnixMilli()
	}
	switch p.Stage {
	case session.StageProduction:
		m.Rate = p.VoterCoefficient
		if id == p.RepID {
			m.Rate = p.RepCoefficient
			m.Role = rotation.RoleActiveRep.String()
		}
		m.ScoreMin, m.ScoreMax = p.ScoreMin, p.ScoreMax
	case session.StageVote:
		m.ActiveRepID = p.RepID
		m.Role = rotation.RoleVoter.String()
	case session.StageLegacy:
		m.Role = rotation.RoleRetired.String()
		m.LegacyOptions = []string{string(rotation.LegacySabotage), string(rotation.LegacyHelp), string(rotation.LegacyNeutral)}
		m.Stage2Cost = h.opts.Config.Stage2Cost
	}
	return m
}

// Notifier.

func (h *Hub) RoundStarted(status session.StatusView, groups rotation.Groups) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	for _, id := range h.order {
		h.sendLocked(id, h.statusMsg(id, status.Round+1, groups.InActive(id)))
	}
}

func (h *Hub) statusMsg(id string, round int, active bool) protocol.StatusMsg {
	st := h.status
	retired := make([]string, 0, len(st.Retired))
	for _, r := range st.Retired {
		retired = append(retired, r.ID)
	}
	perm := string(rotation.PermanentRepCandidate)
	if contains(st.VoterIDs, id) {
		perm = string(rotation.PermanentVoter)
	}
	return protocol.StatusMsg{
		Type:             protocol.TypeStatus,
		ProtocolVersion:  protocol.Version,
		Round:            round,
		Role:             st.RoleOf(id).String(),
		PermanentRole:    perm,
		Active:           active,
		CurrentRepID:     st.CurrentRepID,
		VoterIDs:         st.VoterIDs,
		Pool:             st.Pool,
		Retired:          retired,
		TermRound:        st.TermRound,
		RepCoefficient:   st.RepCoefficient,
		VoterCoefficient: st.VoterCoefficient,
		LegacyEffect:     st.LegacyEffect,
		GameOver:         st.GameOver,
		Reason:           st.GameOverReason,
	}
}

func (h *Hub) RoundCommitted(rec rotation.RoundRecord, summary session.VoteSummary, status session.StatusView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	var vote *protocol.VoteSummary
	if h.opts.Config.Kind.HasVoting() {
		vote = &protocol.VoteSummary{
			ReplaceVotes: summary.ReplaceVotes,
			KeepVotes:    summary.KeepVotes,
			Abstained:    summary.Abstained,
			Result:       summary.Result,
			NextRep:      summary.NextRep,
		}
	}
	for _, id := range h.order {
		h.sendLocked(id, protocol.RoundResultMsg{
			Type:            protocol.TypeRoundResult,
			ProtocolVersion: protocol.Version,
			Round:           rec.RoundNumber,
			Pot:             rec.CollectivePot,
			Payoff:          rec.Payoffs[id],
			Vote:            vote,
			Outcome:         string(rec.RemovalOutcome),
			Mechanism:       string(rec.RemovalMechanism),
			Legacy:          string(rec.LegacyDecision),
			LegacyEffect:    status.LegacyEffect,
			GameOver:        rec.GameOver,
		})
	}
}

func (h *Hub) Concluded(status session.StatusView, totals session.Totals) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
	h.totals = &totals
	for _, id := range h.order {
		h.sendLocked(id, h.concludedMsg(id))
	}
}

func (h *Hub) concludedMsg(id string) protocol.ConcludedMsg {
	return protocol.ConcludedMsg{
		Type:            protocol.TypeConcluded,
		ProtocolVersion: protocol.Version,
		Reason:          h.status.GameOverReason,
		Rounds:          h.status.Round,
		OwnTotal:        h.totals.ByParticipant[id],
		VoterPoints:     h.totals.VoterPoints,
		RepPoints:       h.totals.RepPoints,
		Overall:         h.totals.Overall,
	}
}

func contains(xs []string, id string) bool {
	for _, x := range xs {
		if x == id {
			return true
		}
	}
	return false
}
