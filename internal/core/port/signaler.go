package port

import (
	"context"

	"github.com/Wyydra/parley/internal/core/domain"
)

// Signaler is the client's way of pushing envelopes to the relay.
type Signaler interface {
	Send(ctx context.Context, env domain.Envelope) error
}
