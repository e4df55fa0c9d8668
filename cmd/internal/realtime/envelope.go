package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"murmur/cmd/internal/auth/session"
)

// ProtocolVersion is the envelope version spoken on murmur.sessions.v1.
const ProtocolVersion = 1

// Envelope types.
const (
	TypeHelloAck       = "hello.ack"
	TypePing           = "ping"
	TypePong           = "pong"
	TypeSessionRevoked = string(session.EventRevoked)
	TypeSessionLogout  = string(session.EventLogout)
	TypeError          = "error"
)

// inboundTypes are the only types a client may send.
var inboundTypes = map[string]struct{}{
	TypePing: {},
}

// Envelope is the frame exchanged over the session event socket.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks an inbound envelope.
func (e Envelope) Validate() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := inboundTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	return nil
}

type HelloAckPayload struct {
	ConnID    string `json:"connId"`
	AccountID string `json:"accountId"`
}

type SessionEventPayload struct {
	AccountID string    `json:"accountId"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ string, payload any, ts time.Time) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		V:       ProtocolVersion,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: raw,
	}
}

// eventEnvelope renders a session event for the wire.
func eventEnvelope(ev session.Event) Envelope {
	at := time.Unix(ev.At, 0).UTC()
	return newEnvelope(string(ev.Type), SessionEventPayload{
		AccountID: ev.AccountID,
		Reason:    ev.Reason,
		At:        at,
	}, at)
}
