package memory

import (
	"context"
	"testing"
)

func TestPresenceStore(t *testing.T) {
	ctx := context.Background()
	s := NewPresenceStore()

	s.AddMember(ctx, "R2", "b")
	s.AddMember(ctx, "R1", "c")
	s.AddMember(ctx, "R1", "a")
	s.AddMember(ctx, "R1", "a")

	rooms, err := s.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms: %v", err)
	}
	if len(rooms) != 2 || rooms[0].Room != "R1" || rooms[1].Room != "R2" {
		t.Fatalf("rooms = %+v", rooms)
	}
	if m := rooms[0].Members; len(m) != 2 || m[0] != "a" || m[1] != "c" {
		t.Fatalf("R1 members = %v", m)
	}

	s.RemoveMember(ctx, "R2", "b")
	s.RemoveMember(ctx, "R9", "nobody")
	rooms, _ = s.Rooms(ctx)
	if len(rooms) != 1 || rooms[0].Room != "R1" {
		t.Fatalf("empty room not dropped: %+v", rooms)
	}

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	rooms, _ = s.Rooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("rooms after reset = %+v", rooms)
	}
}
