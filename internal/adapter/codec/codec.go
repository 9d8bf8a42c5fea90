// Package codec turns envelopes into WebSocket frames and back.
package codec

import (
	"encoding/json"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/gorilla/websocket"
)

const (
	JSONSubprotocol    = "parley.json"
	MsgpackSubprotocol = "parley.msgpack"
)

type Codec interface {
	// Name is the WebSocket subprotocol that selects this codec.
	Name() string
	// FrameType is websocket.TextMessage or websocket.BinaryMessage.
	FrameType() int
	Encode(env domain.Envelope) ([]byte, error)
	Decode(data []byte) (domain.Envelope, error)
}

// Subprotocols lists what the server offers, preferred first.
func Subprotocols() []string {
	return []string{JSONSubprotocol, MsgpackSubprotocol}
}

// ForSubprotocol picks the codec negotiated for a connection. An empty or
// unknown name falls back to JSON so plain browser clients work.
func ForSubprotocol(name string) Codec {
	if name == MsgpackSubprotocol {
		return Msgpack{}
	}
	return JSON{}
}

// wireEnvelope is the decoded shape of any frame. Which fields are set
// depends on the type.
type wireEnvelope struct {
	Type      domain.MessageType `json:"type"`
	From      domain.ClientID    `json:"from,omitempty"`
	To        domain.ClientID    `json:"to,omitempty"`
	ClientID  domain.ClientID    `json:"clientId,omitempty"`
	RoomID    domain.RoomID      `json:"roomId,omitempty"`
	Users     []domain.ClientID  `json:"users,omitempty"`
	RoomUsers []domain.ClientID  `json:"roomUsers,omitempty"`
	Offer     json.RawMessage    `json:"offer,omitempty"`
	Answer    json.RawMessage    `json:"answer,omitempty"`
	Candidate json.RawMessage    `json:"candidate,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (w wireEnvelope) envelope() domain.Envelope {
	env := domain.Envelope{
		Type:     w.Type,
		From:     w.From,
		To:       w.To,
		ClientID: w.ClientID,
		RoomID:   w.RoomID,
		Users:    w.Users,
		Error:    w.Error,
	}
	switch w.Type {
	case domain.TypeOffer:
		env.Payload = w.Offer
	case domain.TypeAnswer:
		env.Payload = w.Answer
	case domain.TypeICECandidate:
		env.Payload = w.Candidate
	case domain.TypeUserJoined:
		env.Users = w.RoomUsers
	}
	return env
}

// fields lays env out under its wire names. Member lists are always
// present, even when empty. payload converts the opaque signal body into
// whatever the target format embeds.
func fields(env domain.Envelope, payload func(json.RawMessage) (any, error)) (map[string]any, error) {
	m := map[string]any{"type": env.Type}
	if env.From != "" {
		m["from"] = env.From
	}
	if env.To != "" {
		m["to"] = env.To
	}

	switch env.Type {
	case domain.TypeConnected:
		m["clientId"] = env.ClientID
	case domain.TypeJoinRoom:
		m["roomId"] = env.RoomID
	case domain.TypeRoomUsers, domain.TypeUsersList:
		m["users"] = nonNil(env.Users)
	case domain.TypeUserJoined:
		m["roomUsers"] = nonNil(env.Users)
	case domain.TypeError:
		m["error"] = env.Error
	case domain.TypeOffer, domain.TypeAnswer, domain.TypeICECandidate:
		if len(env.Payload) > 0 {
			v, err := payload(env.Payload)
			if err != nil {
				return nil, err
			}
			m[env.Type.PayloadKey()] = v
		}
	}
	return m, nil
}

func nonNil(ids []domain.ClientID) []domain.ClientID {
	if ids == nil {
		return []domain.ClientID{}
	}
	return ids
}

// JSON is the default text codec.
type JSON struct{}

func (JSON) Name() string   { return JSONSubprotocol }
func (JSON) FrameType() int { return websocket.TextMessage }

func (JSON) Encode(env domain.Envelope) ([]byte, error) {
	m, err := fields(env, func(raw json.RawMessage) (any, error) { return raw, nil })
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (JSON) Decode(data []byte) (domain.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.Envelope{}, domain.ProtocolError("decode", err, "invalid json")
	}
	return w.envelope(), nil
}
