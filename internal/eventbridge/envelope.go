package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kingrea/grimoire/internal/broker"
	"github.com/kingrea/grimoire/internal/participant"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// TypeActionResult marks an inbound envelope carrying a seat's answer.
const TypeActionResult = "ACTION_RESULT"

// Envelope is the wire form of everything crossing the bridge in either
// direction.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	ActionID      string          `json:"action_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"`
	Category      string          `json:"category,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Error         string          `json:"error,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

// FromMessage encodes an outbound seat message.
func FromMessage(msg participant.Message, now time.Time) (Envelope, error) {
	env := Envelope{
		ID:            msg.ID,
		Type:          msg.Type,
		ActionID:      msg.ActionID,
		ParticipantID: msg.To,
		Category:      msg.Category,
		SentAt:        now.UTC(),
	}
	if msg.Payload != nil {
		raw, err := json.Marshal(msg.Payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = raw
	}
	env.Normalize()
	return env, nil
}

// Normalize applies canonical formatting before validation.
func (e *Envelope) Normalize() {
	if e == nil {
		return
	}
	e.ID = strings.TrimSpace(e.ID)
	e.Type = strings.ToUpper(strings.TrimSpace(e.Type))
	e.ActionID = strings.TrimSpace(e.ActionID)
	e.ParticipantID = strings.TrimSpace(e.ParticipantID)
	e.Category = strings.TrimSpace(e.Category)
}

// Validate enforces the requirements for an inbound result envelope.
func (e Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if e.Type != TypeActionResult {
		return fmt.Errorf("type %q not accepted", e.Type)
	}
	if e.ActionID == "" {
		return errors.New("action_id is required")
	}
	if e.ParticipantID == "" {
		return errors.New("participant_id is required")
	}
	if len(e.Payload) == 0 && e.Error == "" {
		return errors.New("payload or error is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return errors.New("payload is not valid JSON")
	}
	return nil
}

// Result converts an inbound envelope into a broker result.
func (e Envelope) Result() broker.Result {
	return broker.Result{
		ActionID:      e.ActionID,
		ParticipantID: e.ParticipantID,
		Payload:       e.Payload,
		Error:         e.Error,
	}
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Seats         int    `json:"seats"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type resultResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}
