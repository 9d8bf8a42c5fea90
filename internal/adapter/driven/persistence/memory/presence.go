package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
)

// PresenceStore keeps the room mirror in process memory.
type PresenceStore struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ClientID]struct{}
}

func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		rooms: make(map[domain.RoomID]map[domain.ClientID]struct{}),
	}
}

func (s *PresenceStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[domain.RoomID]map[domain.ClientID]struct{})
	return nil
}

func (s *PresenceStore) AddMember(ctx context.Context, room domain.RoomID, id domain.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[domain.ClientID]struct{})
		s.rooms[room] = members
	}
	members[id] = struct{}{}
	return nil
}

// RemoveMember drops the room entirely once its last member is gone.
func (s *PresenceStore) RemoveMember(ctx context.Context, room domain.RoomID, id domain.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[room]
	if !ok {
		return nil
	}
	delete(members, id)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return nil
}

func (s *PresenceStore) Rooms(ctx context.Context) ([]port.RoomPresence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]port.RoomPresence, 0, len(s.rooms))
	for room, members := range s.rooms {
		ids := make([]domain.ClientID, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		out = append(out, port.RoomPresence{Room: room, Members: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out, nil
}
