package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error carries exactly one of them.
var (
	ErrTransport   = errors.New("transport error")
	ErrProtocol    = errors.New("protocol error")
	ErrNegotiation = errors.New("negotiation error")
)

var (
	ErrUnknownType        = errors.New("unknown message type")
	ErrMissingField       = errors.New("missing required field")
	ErrUnknownClient      = errors.New("unknown client")
	ErrDuplicateClient    = errors.New("client already registered")
	ErrStaleOffer         = errors.New("offer not expected in current state")
	ErrStaleAnswer        = errors.New("answer not expected in current state")
	ErrInvalidState       = errors.New("operation not allowed in current state")
	ErrSessionClosed      = errors.New("session closed")
	ErrInvalidDescription = errors.New("invalid session description")
)

type Error struct {
	Kind    error
	Op      string
	Peer    ClientID
	Err     error
	Details string
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Peer != "" {
		msg += " " + e.Peer.String()
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	} else {
		msg = fmt.Sprintf("%s: %v", msg, e.Kind)
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

// Unwrap lets errors.Is match both the kind and the cause.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func ProtocolError(op string, err error, details string) *Error {
	return &Error{Kind: ErrProtocol, Op: op, Err: err, Details: details}
}

func TransportError(op string, err error) *Error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

func NegotiationError(op string, peer ClientID, err error) *Error {
	return &Error{Kind: ErrNegotiation, Op: op, Peer: peer, Err: err}
}
