package domain

import "encoding/json"

type MessageType string

// client -> relay
const (
	TypeJoinRoom     MessageType = "join-room"
	TypeLeaveRoom    MessageType = "leave-room"
	TypeGetUsers     MessageType = "get-users"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
)

// relay -> client
const (
	TypeConnected        MessageType = "connected"
	TypeRoomUsers        MessageType = "room-users"
	TypeUserJoined       MessageType = "user-joined"
	TypeUserDisconnected MessageType = "user-disconnected"
	TypeUsersList        MessageType = "users-list"
	TypeError            MessageType = "error"
)

// Envelope is the unit exchanged over a signaling transport. Which fields
// are meaningful depends on Type; the codec maps them to their wire names.
type Envelope struct {
	Type     MessageType
	From     ClientID
	To       ClientID
	ClientID ClientID
	RoomID   RoomID
	// Users holds "users" for room-users/users-list and "roomUsers" for
	// user-joined.
	Users []ClientID
	// Payload is the opaque offer, answer or candidate. The relay never
	// looks inside it.
	Payload json.RawMessage
	Error   string
}

// PayloadKey is the wire field name carrying Payload for signal types.
func (t MessageType) PayloadKey() string {
	switch t {
	case TypeOffer:
		return "offer"
	case TypeAnswer:
		return "answer"
	case TypeICECandidate:
		return "candidate"
	}
	return ""
}

// ValidateInbound checks an envelope a client sent to the relay.
func (e Envelope) ValidateInbound() error {
	switch e.Type {
	case TypeJoinRoom:
		if e.RoomID == "" {
			return ProtocolError("join-room", ErrMissingField, "roomId")
		}
	case TypeLeaveRoom, TypeGetUsers:
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if e.To == "" {
			return ProtocolError(string(e.Type), ErrMissingField, "to")
		}
		if len(e.Payload) == 0 || string(e.Payload) == "null" {
			return ProtocolError(string(e.Type), ErrMissingField, e.Type.PayloadKey())
		}
	case "":
		return ProtocolError("decode", ErrMissingField, "type")
	default:
		return ProtocolError("decode", ErrUnknownType, string(e.Type))
	}
	return nil
}

func Connected(id ClientID) Envelope {
	return Envelope{Type: TypeConnected, ClientID: id}
}

func RoomUsers(users []ClientID) Envelope {
	return Envelope{Type: TypeRoomUsers, Users: users}
}

func UserJoined(from ClientID, roomUsers []ClientID) Envelope {
	return Envelope{Type: TypeUserJoined, From: from, Users: roomUsers}
}

func UserDisconnected(from ClientID) Envelope {
	return Envelope{Type: TypeUserDisconnected, From: from}
}

func UsersList(users []ClientID) Envelope {
	return Envelope{Type: TypeUsersList, Users: users}
}

func ErrorEnvelope(err error) Envelope {
	return Envelope{Type: TypeError, Error: err.Error()}
}
