package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Wyydra/parley/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

func TestKeys(t *testing.T) {
	s := NewPresenceStore(nil, " test: ")
	if s.keyRooms != "test:rooms" || s.roomKey("R1") != "test:room:R1" {
		t.Fatalf("keys = %q %q", s.keyRooms, s.roomKey("R1"))
	}
	if s := NewPresenceStore(nil, ""); s.keyRooms != "parley:rooms" {
		t.Fatalf("default prefix key = %q", s.keyRooms)
	}
}

// Needs a live server: REDIS_TEST_ADDR=localhost:6379 go test ./...
func TestPresenceStoreRedis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	s := NewPresenceStore(rdb, "parley-test-"+time.Now().Format("150405.000"))
	defer s.Reset(context.Background())

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for _, op := range []struct{ room, id string }{{"R1", "b"}, {"R1", "a"}, {"R2", "c"}} {
		if err := s.AddMember(ctx, domain.RoomID(op.room), domain.ClientID(op.id)); err != nil {
			t.Fatalf("AddMember: %v", err)
		}
	}

	rooms, err := s.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].Room != "R1" || len(rooms[0].Members) != 2 || rooms[0].Members[0] != "a" {
		t.Fatalf("rooms = %+v", rooms)
	}

	if err := s.RemoveMember(ctx, "R2", "c"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	rooms, _ = s.Rooms(ctx)
	if len(rooms) != 1 {
		t.Fatalf("empty room still listed: %+v", rooms)
	}
	if n := rdb.SCard(ctx, s.keyRooms).Val(); n != 1 {
		t.Fatalf("room index size = %d, want 1", n)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	rooms, _ = s.Rooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("rooms after reset = %+v", rooms)
	}
}
