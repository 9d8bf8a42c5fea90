// Package redisstore mirrors room presence into Redis sets so dashboards and
// other processes can see who is where.
package redisstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/Wyydra/parley/internal/core/port"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "parley"

// removeMember drops id from the room set and forgets the room once it is
// empty, in one round trip.
var removeMember = redis.NewScript(`
redis.call("SREM", KEYS[2], ARGV[1])
if redis.call("SCARD", KEYS[2]) == 0 then
	redis.call("SREM", KEYS[1], ARGV[2])
end
return 1
`)

// PresenceStore keeps one set of room ids under <prefix>:rooms and one
// member set per room under <prefix>:room:<id>.
type PresenceStore struct {
	rdb      *redis.Client
	prefix   string
	keyRooms string
}

func NewPresenceStore(rdb *redis.Client, prefix string) *PresenceStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = defaultPrefix
	}
	return &PresenceStore{
		rdb:      rdb,
		prefix:   p,
		keyRooms: fmt.Sprintf("%s:rooms", p),
	}
}

func (s *PresenceStore) roomKey(room domain.RoomID) string {
	return fmt.Sprintf("%s:room:%s", s.prefix, room)
}

// Reset clears whatever a previous process left behind.
func (s *PresenceStore) Reset(ctx context.Context) error {
	rooms, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(rooms)+1)
	keys = append(keys, s.keyRooms)
	for _, r := range rooms {
		keys = append(keys, s.roomKey(domain.RoomID(r)))
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *PresenceStore) AddMember(ctx context.Context, room domain.RoomID, id domain.ClientID) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.keyRooms, string(room))
	_ = pipe.SAdd(ctx, s.roomKey(room), string(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *PresenceStore) RemoveMember(ctx context.Context, room domain.RoomID, id domain.ClientID) error {
	return removeMember.Run(ctx, s.rdb, []string{s.keyRooms, s.roomKey(room)}, string(id), string(room)).Err()
}

func (s *PresenceStore) Rooms(ctx context.Context) ([]port.RoomPresence, error) {
	rooms, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(rooms)

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(rooms))
	for i, r := range rooms {
		cmds[i] = pipe.SMembers(ctx, s.roomKey(domain.RoomID(r)))
	}
	if len(rooms) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	out := make([]port.RoomPresence, 0, len(rooms))
	for i, r := range rooms {
		members := cmds[i].Val()
		if len(members) == 0 {
			continue
		}
		sort.Strings(members)
		ids := make([]domain.ClientID, len(members))
		for j, m := range members {
			ids[j] = domain.ClientID(m)
		}
		out = append(out, port.RoomPresence{Room: domain.RoomID(r), Members: ids})
	}
	return out, nil
}
