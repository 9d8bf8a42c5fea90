package port

import (
	"context"

	"github.com/Wyydra/parley/internal/core/domain"
)

type RoomPresence struct {
	Room    domain.RoomID     `json:"room"`
	Members []domain.ClientID `json:"members"`
}

// PresenceStore mirrors room membership for observers outside the relay.
type PresenceStore interface {
	Reset(ctx context.Context) error
	AddMember(ctx context.Context, room domain.RoomID, id domain.ClientID) error
	RemoveMember(ctx context.Context, room domain.RoomID, id domain.ClientID) error
	Rooms(ctx context.Context) ([]RoomPresence, error)
}
