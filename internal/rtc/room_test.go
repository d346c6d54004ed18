package rtc

import (
	"testing"

	"github.com/EpochX-sol/health-connect-core/internal/models"
	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

func newTestRoom(t *testing.T) (*Room, *Engine, *signaling.Loopback) {
	t.Helper()
	lb := signaling.NewLoopback()
	engine := NewEngine(lb, Config{})
	room := NewRoom(lb, engine, models.CallIdentity{UserID: "u-1", UserName: "Ann"}, nil)
	t.Cleanup(engine.Teardown)
	return room, engine, lb
}

func TestRoomIgnoresEventsBeforeJoin(t *testing.T) {
	_, engine, lb := newTestRoom(t)

	lb.DeliverEvent(signaling.EventExistingParticipants, "", signaling.ExistingParticipantsData{
		Participants: []signaling.RoomParticipant{{ConnectionID: "conn-x"}},
	})
	lb.DeliverEvent(signaling.EventUserJoined, "", signaling.RoomParticipant{ConnectionID: "conn-y"})

	if n := len(engine.Peers()); n != 0 {
		t.Fatalf("room events before join created %d peers, want 0", n)
	}
	if len(lb.Take()) != 0 {
		t.Fatal("nothing must go out before join")
	}
}

func TestRoomJoinDrivesNegotiation(t *testing.T) {
	room, engine, lb := newTestRoom(t)

	if err := room.Join("room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	env := lb.Take()[0]
	if env.Type != signaling.EventJoinRoom {
		t.Fatalf("sent %q, want join-room", env.Type)
	}
	var join signaling.JoinRoomData
	if err := env.Decode(&join); err != nil {
		t.Fatalf("decode join-room: %v", err)
	}
	if join.RoomID != "room-1" || join.UserID != "u-1" {
		t.Fatalf("join payload = %+v", join)
	}

	lb.DeliverEvent(signaling.EventExistingParticipants, "", signaling.ExistingParticipantsData{
		Participants: []signaling.RoomParticipant{{ConnectionID: "conn-x", UserID: "u-2"}},
	})

	if role := engine.Peers()["conn-x"]; role != RoleInitiator {
		t.Fatalf("role = %v, want initiator toward existing participant", role)
	}
	if len(offersIn(lb.Take())) != 1 {
		t.Fatal("expected one offer toward the existing participant")
	}
}

func TestRoomLeaveTearsDownPeers(t *testing.T) {
	room, engine, lb := newTestRoom(t)

	if err := room.Join("room-1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	lb.DeliverEvent(signaling.EventUserJoined, "", signaling.RoomParticipant{ConnectionID: "conn-x"})
	if len(engine.Peers()) != 1 {
		t.Fatal("expected one peer before leave")
	}
	lb.Take()

	if err := room.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if room.RoomID() != "" {
		t.Fatalf("room id after leave = %q, want empty", room.RoomID())
	}
	if len(engine.Peers()) != 0 {
		t.Fatal("peers must be torn down on leave")
	}
	var left bool
	for _, env := range lb.Take() {
		if env.Type == signaling.EventLeaveRoom {
			left = true
		}
	}
	if !left {
		t.Fatal("leave-room must reach the server")
	}

	// A second leave is a no-op.
	if err := room.Leave(); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if len(lb.Take()) != 0 {
		t.Fatal("second leave must not send anything")
	}
}
