package domain

import (
	"encoding/json"
	"fmt"
)

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Validate checks that d is a usable description of the expected type.
func (d SessionDescription) Validate(want SDPType) error {
	if d.Type != want {
		return fmt.Errorf("%w: type %q, want %q", ErrInvalidDescription, d.Type, want)
	}
	if d.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidDescription)
	}
	return nil
}

// ICECandidate mirrors the browser RTCIceCandidateInit dictionary.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Offer builds a client -> relay offer envelope.
func Offer(to ClientID, d SessionDescription) (Envelope, error) {
	return signal(TypeOffer, to, d)
}

func Answer(to ClientID, d SessionDescription) (Envelope, error) {
	return signal(TypeAnswer, to, d)
}

func Candidate(to ClientID, c ICECandidate) (Envelope, error) {
	return signal(TypeICECandidate, to, c)
}

func signal(t MessageType, to ClientID, v any) (Envelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, To: to, Payload: raw}, nil
}

// Description decodes the payload of an offer or answer envelope.
func (e Envelope) Description() (SessionDescription, error) {
	var d SessionDescription
	if err := json.Unmarshal(e.Payload, &d); err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	return d, nil
}

func (e Envelope) ICECandidate() (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return c, ProtocolError("decode candidate", err, "")
	}
	return c, nil
}

// MediaEvent is emitted by a media engine. It is one of
// LocalCandidate, ConnectionStateChanged or ICEStateChanged.
type MediaEvent interface {
	mediaEvent()
}

type LocalCandidate struct {
	Candidate ICECandidate
}

type ConnectionStateChanged struct {
	State ConnectionState
}

type ICEStateChanged struct {
	State ConnectionState
}

func (LocalCandidate) mediaEvent()         {}
func (ConnectionStateChanged) mediaEvent() {}
func (ICEStateChanged) mediaEvent()        {}
