package call

import (
	"testing"

	"github.com/EpochX-sol/health-connect-core/internal/models"
	"github.com/EpochX-sol/health-connect-core/internal/rtc"
	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

func joinRoomsIn(envs []signaling.Envelope) []signaling.Envelope {
	var out []signaling.Envelope
	for _, env := range envs {
		if env.Type == signaling.EventJoinRoom {
			out = append(out, env)
		}
	}
	return out
}

// newTestController wires a media-less controller (nil acquirer) onto a
// loopback channel and drains the construction-time register-user.
func newTestController(t *testing.T) (*Controller, *signaling.Loopback) {
	t.Helper()
	lb := signaling.NewLoopback()
	self := models.CallIdentity{UserID: "u-1", UserName: "Ann", UserType: models.UserTypeDoctor}
	c := NewController(self, lb, rtc.NewEngine(lb, rtc.Config{}), nil, Options{})
	lb.Take()
	return c, lb
}

func establish(t *testing.T, c *Controller, lb *signaling.Loopback, roomID string) {
	t.Helper()
	lb.DeliverEvent(signaling.EventIncomingCall, "", signaling.IncomingCallData{
		CallSessionID: "sess-1",
		CallerID:      "u-2",
		CallerName:    "Ben",
		RoomID:        roomID,
		CallType:      models.CallTypeVideo,
	})
	if err := c.Machine.AcceptCall(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	lb.DeliverEvent(signaling.EventCallConfirmed, "", signaling.CallEstablishedData{
		CallSessionID: "sess-1",
		RoomID:        roomID,
		CallType:      models.CallTypeVideo,
	})
}

func TestActiveCallJoinsRoomOnce(t *testing.T) {
	c, lb := newTestController(t)
	establish(t, c, lb, "room-9")

	if got := joinRoomsIn(lb.Take()); len(got) != 1 {
		t.Fatalf("got %d join-room sends after establishment, want 1", len(got))
	}
	if c.Room.RoomID() != "room-9" {
		t.Fatalf("room = %q, want room-9", c.Room.RoomID())
	}

	// Unrelated snapshot churn while the call stays active (presence updates
	// arrive continuously) must not re-announce room membership.
	lb.DeliverEvent(signaling.EventOnlineUsers, "", signaling.OnlineUsersData{
		Users: []models.CallIdentity{{UserID: "u-3", UserName: "Cam"}},
	})
	lb.DeliverEvent(signaling.EventOnlineUsers, "", signaling.OnlineUsersData{})

	if got := joinRoomsIn(lb.Take()); len(got) != 0 {
		t.Fatalf("snapshot updates caused %d extra join-room sends, want 0", len(got))
	}
}

func TestEndedCallLeavesRoom(t *testing.T) {
	c, lb := newTestController(t)
	establish(t, c, lb, "room-9")
	lb.Take()

	lb.DeliverEvent(signaling.EventCallEnded, "", nil)

	var left bool
	for _, env := range lb.Take() {
		if env.Type == signaling.EventLeaveRoom {
			left = true
		}
	}
	if !left {
		t.Fatal("ended call must leave the room")
	}
	if c.Room.RoomID() != "" {
		t.Fatalf("room after end = %q, want empty", c.Room.RoomID())
	}
}
