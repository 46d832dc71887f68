package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Envelope is every websocket message between a peer and the relay.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope types. Offer, answer and candidate travel peer to peer through the
// relay; the rest are spoken with the relay itself.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"

	TypeJoin   = "join"
	TypeJoined = "joined"
	TypeRoster = "roster"
	TypeError  = "error"
)

var ErrEmptyPayload = errors.New("envelope has no payload")

// SignalPayload carries an offer, an answer or a trickled candidate.
type SignalPayload struct {
	ToID      string                     `json:"toId"`
	FromID    string                     `json:"fromId"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// JoinPayload asks the relay to put the sender into a room. An empty room
// asks the relay to create one.
type JoinPayload struct {
	Room   string `json:"room,omitempty"`
	FromID string `json:"fromId"`
	Name   string `json:"name,omitempty"`
}

// Member is one participant of a room.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RosterPayload lists the members of a room; it answers a join and is
// rebroadcast whenever membership changes.
type RosterPayload struct {
	Room    string   `json:"room"`
	Members []Member `json:"members"`
}

// ErrorPayload represents error messages from the relay.
type ErrorPayload struct {
	Error string `json:"error"`
}

// New wraps payload into an envelope of the given type.
func New(typ string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return &Envelope{Type: typ, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// IsSignal reports whether the envelope is peer to peer negotiation traffic.
func (e *Envelope) IsSignal() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// Signal decodes the payload of a negotiation envelope.
func (e *Envelope) Signal() (*SignalPayload, error) {
	var p SignalPayload
	if err := e.Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
