package port

import (
	"context"

	"github.com/Wyydra/parley/internal/core/domain"
)

// MediaEngine is the peer connection for one remote peer. Calls may block
// until the engine answers; ctx cancels them.
type MediaEngine interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(ctx context.Context, d domain.SessionDescription) error
	SetRemoteDescription(ctx context.Context, d domain.SessionDescription) error
	AddICECandidate(ctx context.Context, c domain.ICECandidate) error
	// Events is closed after Close.
	Events() <-chan domain.MediaEvent
	Close() error
}

type MediaEngineFactory interface {
	NewEngine(ctx context.Context, peer domain.ClientID) (MediaEngine, error)
}
