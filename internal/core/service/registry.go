package service

import (
	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
)

type connection struct {
	transport port.Transport
	room      domain.RoomID
}

// ConnectionRegistry maps client ids to their transport and current room.
// Like RoomTable it relies on the relay for locking.
type ConnectionRegistry struct {
	conns map[domain.ClientID]*connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[domain.ClientID]*connection),
	}
}

func (r *ConnectionRegistry) Add(t port.Transport) error {
	if _, ok := r.conns[t.ID()]; ok {
		return domain.TransportError("register", domain.ErrDuplicateClient)
	}
	r.conns[t.ID()] = &connection{transport: t}
	return nil
}

func (r *ConnectionRegistry) Remove(id domain.ClientID) (port.Transport, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	return c.transport, true
}

func (r *ConnectionRegistry) Get(id domain.ClientID) (port.Transport, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.transport, true
}

// Room returns the client's current room, or "" when it is in none.
func (r *ConnectionRegistry) Room(id domain.ClientID) domain.RoomID {
	c, ok := r.conns[id]
	if !ok {
		return ""
	}
	return c.room
}

func (r *ConnectionRegistry) SetRoom(id domain.ClientID, roomID domain.RoomID) {
	if c, ok := r.conns[id]; ok {
		c.room = roomID
	}
}

func (r *ConnectionRegistry) Len() int {
	return len(r.conns)
}

func (r *ConnectionRegistry) All() []port.Transport {
	out := make([]port.Transport, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.transport)
	}
	return out
}
