package port

import "github.com/Wyydra/parley/internal/core/domain"

// Transport is the relay's handle on one connected client.
type Transport interface {
	ID() domain.ClientID
	// Send queues env for delivery without blocking. It reports false when
	// the envelope was dropped because the transport is closed or its
	// outbound queue is full.
	Send(env domain.Envelope) bool
	Close() error
}
