package core

import (
	"errors"
	"testing"

	"github.com/knikolov/sfumesh/internal/domain"
)

func TestCreateOrJoin_CreateAndJoin(t *testing.T) {
	reg := NewRegistry()

	view, err := reg.CreateOrJoin("r1", "alice", domain.RolePublisher, "sid-a", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Room != "r1" || len(view.Others) != 0 {
		t.Fatalf("unexpected view: %+v", view)
	}

	view, err = reg.CreateOrJoin("r1", "bob", domain.RoleSubscriber, "sid-b", false)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(view.Others) != 1 || view.Others[0].ID != "alice" || !view.Others[0].IsAnchor {
		t.Fatalf("expected alice as anchor in others, got %+v", view.Others)
	}
}

func TestCreateOrJoin_MintsRoomID(t *testing.T) {
	reg := NewRegistry()
	view, err := reg.CreateOrJoin("", "alice", domain.RolePublisher, "sid-a", true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Room == "" {
		t.Fatal("expected a minted room id")
	}
}

func TestJoin_UnknownRoom(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.CreateOrJoin("nope", "bob", domain.RoleSubscriber, "sid-b", false)
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestLeave_ReplayCountAndTeardown(t *testing.T) {
	reg := NewRegistry()
	users := []domain.UserID{"a", "b", "c"}
	for _, u := range users {
		if _, err := reg.CreateOrJoin("r1", u, domain.RoleSubscriber, SessionID("sid-"+u), true); err != nil {
			t.Fatalf("join %s: %v", u, err)
		}
	}

	remaining, err := reg.Leave("r1", "b")
	if err != nil || remaining != 2 {
		t.Fatalf("leave b: remaining=%d err=%v", remaining, err)
	}
	snap, ok := reg.Snapshot("r1")
	if !ok || len(snap.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %+v", snap)
	}

	if remaining, _ = reg.Leave("r1", "a"); remaining != 1 {
		t.Fatalf("leave a: remaining=%d", remaining)
	}
	if remaining, _ = reg.Leave("r1", "c"); remaining != 0 {
		t.Fatalf("leave c: remaining=%d", remaining)
	}

	// An emptied room is no longer retrievable.
	if _, ok := reg.Snapshot("r1"); ok {
		t.Fatal("room should be gone after last leave")
	}
	if _, err := reg.CreateOrJoin("r1", "d", domain.RoleSubscriber, "sid-d", false); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound on join after teardown, got %v", err)
	}
}

func TestLeave_UnknownUser(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.CreateOrJoin("r1", "a", domain.RolePublisher, "sid-a", true); err != nil {
		t.Fatal(err)
	}
	remaining, err := reg.Leave("r1", "ghost")
	if !errors.Is(err, domain.ErrNotInRoom) {
		t.Fatalf("expected ErrNotInRoom, got %v", err)
	}
	if remaining != 1 {
		t.Fatalf("remaining = %d, want the untouched member count", remaining)
	}
}

func TestSetRole_ReturnsPrevious(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.CreateOrJoin("r1", "a", domain.RoleSubscriber, "sid-a", true); err != nil {
		t.Fatal(err)
	}
	prev, err := reg.SetRole("r1", "a", domain.RolePublisher)
	if err != nil || prev != domain.RoleSubscriber {
		t.Fatalf("prev=%v err=%v", prev, err)
	}
	prev, err = reg.SetRole("r1", "a", domain.RoleSubscriber)
	if err != nil || prev != domain.RolePublisher {
		t.Fatalf("prev=%v err=%v", prev, err)
	}
}

func TestSessionBinding(t *testing.T) {
	reg := NewRegistry()
	reg.BindSignal("sid-a", nil, nil)
	if _, _, ok := reg.SessionOf("sid-a"); ok {
		t.Fatal("binding without room should not resolve")
	}
	if _, err := reg.CreateOrJoin("r1", "a", domain.RolePublisher, "sid-a", true); err != nil {
		t.Fatal(err)
	}
	room, user, ok := reg.SessionOf("sid-a")
	if !ok || room != "r1" || user != "a" {
		t.Fatalf("got %v %v %v", room, user, ok)
	}
	if _, err := reg.Leave("r1", "a"); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := reg.SessionOf("sid-a"); ok {
		t.Fatal("binding should clear on leave")
	}
}
