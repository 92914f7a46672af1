// Package protocol is the wire format of the /v1/events stream. Each
// frame is one JSON Envelope.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType names an event. The prefix before the dot is the subsystem.
type MessageType string

const (
	MsgHello            MessageType = "events.hello"
	MsgOperation        MessageType = "operation.completed"
	MsgRollback         MessageType = "history.rolled_back"
	MsgAlertFired       MessageType = "alert.fired"
	MsgAlertUpdated     MessageType = "alert.updated"
	MsgAlertResolved    MessageType = "alert.resolved"
	MsgApprovalPending  MessageType = "approval.pending"
	MsgApprovalResolved MessageType = "approval.resolved"
)

type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id,omitempty"` // op_... of the operation the event belongs to
	Time      time.Time       `json:"time"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload, which may be nil.
func NewEnvelope(t MessageType, requestID string, payload any) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		RequestID: requestID,
		Time:      time.Now().UTC(),
	}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// HelloPayload is the first frame a subscriber receives.
type HelloPayload struct {
	Version      string `json:"version"`
	ActiveAlerts int    `json:"active_alerts"`
}
