package domain

type NegotiationState int

const (
	StateIdle NegotiationState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleUnresolved Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return "unresolved"
}

// ResolveRole decides who sends the offer between two peers that just
// became visible to each other: the lexicographically smaller id does.
// Both sides reach the same answer without talking to each other.
func ResolveRole(local, remote ClientID) Role {
	switch {
	case local < remote:
		return RoleInitiator
	case local > remote:
		return RoleResponder
	}
	return RoleUnresolved
}

// ConnectionState follows the RTCPeerConnectionState / RTCIceConnectionState
// vocabulary.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateChecking     ConnectionState = "checking"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateCompleted    ConnectionState = "completed"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

type CloseReason string

const (
	CloseReasonHangUp   CloseReason = "hang-up"
	CloseReasonPeerLeft CloseReason = "peer-left"
	CloseReasonFailed   CloseReason = "negotiation-failed"
	CloseReasonReplaced CloseReason = "replaced"
	CloseReasonShutdown CloseReason = "shutdown"
)

// PeerEvent is what a CallService reports to the application layer.
type PeerEvent interface {
	PeerID() ClientID
}

type StateChanged struct {
	Peer ClientID
	From NegotiationState
	To   NegotiationState
	Role Role
}

// ConnectionStatus reports transport progress. Failed and Disconnected are
// informational; they never close the session on their own.
type ConnectionStatus struct {
	Peer  ClientID
	State ConnectionState
	ICE   bool
}

type NegotiationFailed struct {
	Peer ClientID
	Err  error
}

type SessionClosed struct {
	Peer   ClientID
	Reason CloseReason
}

// RosterUpdated carries the other members of the local client's room.
type RosterUpdated struct {
	Users []ClientID
}

type RelayError struct {
	Message string
}

func (e StateChanged) PeerID() ClientID      { return e.Peer }
func (e ConnectionStatus) PeerID() ClientID  { return e.Peer }
func (e NegotiationFailed) PeerID() ClientID { return e.Peer }
func (e SessionClosed) PeerID() ClientID     { return e.Peer }
func (RosterUpdated) PeerID() ClientID       { return "" }
func (RelayError) PeerID() ClientID          { return "" }
