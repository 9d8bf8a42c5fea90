package service

import (
	"errors"
	"testing"

	"github.com/Wyydra/parley/internal/core/domain"
)

func TestRoomTableAddReturnsPreviousMembers(t *testing.T) {
	rt := NewRoomTable()

	prev, created := rt.Add("r1", "a")
	if !created {
		t.Fatalf("first join did not create the room")
	}
	if prev == nil || len(prev) != 0 {
		t.Fatalf("previous = %v, want empty non-nil", prev)
	}

	prev, created = rt.Add("r1", "b")
	if created {
		t.Fatalf("second join created the room again")
	}
	if !equalIDs(prev, ids("a")) {
		t.Fatalf("previous = %v, want [a]", prev)
	}

	prev, _ = rt.Add("r1", "c")
	if !equalIDs(prev, ids("a", "b")) {
		t.Fatalf("previous = %v, want [a b]", prev)
	}
}

func TestRoomTableAddIsIdempotent(t *testing.T) {
	rt := NewRoomTable()
	rt.Add("r1", "a")
	rt.Add("r1", "b")

	prev, _ := rt.Add("r1", "a")
	if !equalIDs(prev, ids("b")) {
		t.Fatalf("previous = %v, want [b]", prev)
	}
	if got := rt.Members("r1"); !equalIDs(got, ids("a", "b")) {
		t.Fatalf("members = %v, want [a b]", got)
	}
}

func TestRoomTableRemoveDestroysEmptyRoom(t *testing.T) {
	rt := NewRoomTable()
	rt.Add("r1", "a")
	rt.Add("r1", "b")

	remaining, removed, destroyed := rt.Remove("r1", "a")
	if !removed || destroyed {
		t.Fatalf("removed=%v destroyed=%v, want true false", removed, destroyed)
	}
	if !equalIDs(remaining, ids("b")) {
		t.Fatalf("remaining = %v, want [b]", remaining)
	}

	_, removed, destroyed = rt.Remove("r1", "b")
	if !removed || !destroyed {
		t.Fatalf("removed=%v destroyed=%v, want true true", removed, destroyed)
	}
	if rt.Len() != 0 {
		t.Fatalf("rooms = %d, want 0", rt.Len())
	}
}

func TestRoomTableRemoveUnknownIsNoop(t *testing.T) {
	rt := NewRoomTable()
	if _, removed, _ := rt.Remove("missing", "a"); removed {
		t.Fatalf("removing from an unknown room reported a removal")
	}

	rt.Add("r1", "a")
	remaining, removed, destroyed := rt.Remove("r1", "zzz")
	if removed || destroyed {
		t.Fatalf("removing a non-member changed the room")
	}
	if !equalIDs(remaining, ids("a")) {
		t.Fatalf("remaining = %v, want [a]", remaining)
	}
}

func TestRoomTableSnapshotSorted(t *testing.T) {
	rt := NewRoomTable()
	rt.Add("zulu", "a")
	rt.Add("alpha", "b")
	rt.Add("alpha", "c")

	snap := rt.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d rooms, want 2", len(snap))
	}
	if snap[0].Room != "alpha" || snap[1].Room != "zulu" {
		t.Fatalf("snapshot order = %s, %s", snap[0].Room, snap[1].Room)
	}
	if !equalIDs(snap[0].Members, ids("b", "c")) {
		t.Fatalf("alpha members = %v", snap[0].Members)
	}

	snap[0].Members[0] = "mutated"
	for _, id := range rt.Members("alpha") {
		if id == "mutated" {
			t.Fatalf("snapshot shares memory with the table")
		}
	}
}

func TestConnectionRegistryRejectsDuplicate(t *testing.T) {
	reg := NewConnectionRegistry()
	if err := reg.Add(newFakeTransport("a")); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := reg.Add(newFakeTransport("a"))
	if !errors.Is(err, domain.ErrDuplicateClient) || !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v, want duplicate transport error", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
}

func TestConnectionRegistryRoom(t *testing.T) {
	reg := NewConnectionRegistry()
	reg.Add(newFakeTransport("a"))

	if got := reg.Room("a"); got != "" {
		t.Fatalf("room = %q, want none", got)
	}
	reg.SetRoom("a", "r1")
	if got := reg.Room("a"); got != "r1" {
		t.Fatalf("room = %q, want r1", got)
	}

	reg.SetRoom("ghost", "r1")
	if _, ok := reg.Get("ghost"); ok {
		t.Fatalf("SetRoom registered an unknown client")
	}

	if _, ok := reg.Remove("a"); !ok {
		t.Fatalf("remove reported missing client")
	}
	if got := reg.Room("a"); got != "" {
		t.Fatalf("room after remove = %q", got)
	}
}
