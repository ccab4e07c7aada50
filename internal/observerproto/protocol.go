// Package observerproto is the experimenter monitor protocol, separate
// from the participant protocol.
package observerproto

import (
	"lameduck.lab/internal/sim/rotation"
	"lameduck.lab/internal/sim/session"
)

const Version = "0.2"

// Client -> Server. First message on the monitor WS connection; can be
// re-sent to change settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// Records asks for full round records, not just summaries.
	Records bool `json:"records,omitempty"`
}

// HTTP response for GET /admin/v1/monitor/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string                 `json:"protocol_version"`
	SessionID       string                 `json:"session_id"`
	Config          rotation.Config        `json:"config"`
	Roster          []rotation.Participant `json:"roster"`
	Status          session.StatusView     `json:"status"`
	Totals          session.Totals         `json:"totals"`
}

// Server -> Client event types.
const (
	EventRoundStarted   = "ROUND_STARTED"
	EventRoundCommitted = "ROUND_COMMITTED"
	EventConcluded      = "CONCLUDED"
)

type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Round           int    `json:"round"`

	Status  *session.StatusView   `json:"status,omitempty"`
	Groups  *rotation.Groups      `json:"groups,omitempty"`
	Summary *session.VoteSummary  `json:"summary,omitempty"`
	Record  *rotation.RoundRecord `json:"record,omitempty"`
	Totals  *session.Totals       `json:"totals,omitempty"`
}
