package service

import (
	"sort"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
)

type room struct {
	members []domain.ClientID
	index   map[domain.ClientID]struct{}
}

// RoomTable maps rooms to their members. It is not safe for concurrent use;
// the relay serializes access.
type RoomTable struct {
	rooms map[domain.RoomID]*room
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms: make(map[domain.RoomID]*room),
	}
}

// Add puts id in roomID, creating the room when needed. It returns the
// members that were present before the call, excluding id.
func (t *RoomTable) Add(roomID domain.RoomID, id domain.ClientID) (previous []domain.ClientID, created bool) {
	r, ok := t.rooms[roomID]
	if !ok {
		r = &room{index: make(map[domain.ClientID]struct{})}
		t.rooms[roomID] = r
		created = true
	}

	previous = others(r.members, id)
	if _, dup := r.index[id]; dup {
		return previous, created
	}
	r.index[id] = struct{}{}
	r.members = append(r.members, id)
	return previous, created
}

// Remove takes id out of roomID and drops the room once it is empty.
// Removing from an unknown room, or a client that is not a member, is a no-op.
func (t *RoomTable) Remove(roomID domain.RoomID, id domain.ClientID) (remaining []domain.ClientID, removed, destroyed bool) {
	r, ok := t.rooms[roomID]
	if !ok {
		return nil, false, false
	}
	if _, ok := r.index[id]; !ok {
		return clone(r.members), false, false
	}

	delete(r.index, id)
	for i, m := range r.members {
		if m == id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}

	if len(r.members) == 0 {
		delete(t.rooms, roomID)
		return []domain.ClientID{}, true, true
	}
	return clone(r.members), true, false
}

// Members returns the members of roomID in join order.
func (t *RoomTable) Members(roomID domain.RoomID) []domain.ClientID {
	r, ok := t.rooms[roomID]
	if !ok {
		return []domain.ClientID{}
	}
	return clone(r.members)
}

// Others returns the members of roomID except id.
func (t *RoomTable) Others(roomID domain.RoomID, id domain.ClientID) []domain.ClientID {
	r, ok := t.rooms[roomID]
	if !ok {
		return []domain.ClientID{}
	}
	return others(r.members, id)
}

func (t *RoomTable) Len() int {
	return len(t.rooms)
}

// Snapshot lists every room, sorted by id.
func (t *RoomTable) Snapshot() []port.RoomPresence {
	out := make([]port.RoomPresence, 0, len(t.rooms))
	for id, r := range t.rooms {
		out = append(out, port.RoomPresence{Room: id, Members: clone(r.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

func others(members []domain.ClientID, id domain.ClientID) []domain.ClientID {
	out := make([]domain.ClientID, 0, len(members))
	for _, m := range members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

func clone(ids []domain.ClientID) []domain.ClientID {
	out := make([]domain.ClientID, len(ids))
	copy(out, ids)
	return out
}
