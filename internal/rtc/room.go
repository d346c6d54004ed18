package rtc

import (
	"log/slog"
	"sync"

	"github.com/EpochX-sol/health-connect-core/internal/models"
	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

// Room coordinates mesh membership for one user: the join/leave handshake
// plus routing of room and negotiation events into the engine. It serves
// both the 1:1 call flow (the call's roomId) and the standalone video-room
// page; the engine does not care which.
//
// A Room subscribes once and stays bound to the channel for the session's
// lifetime; Join/Leave toggle which room the handlers act for.
type Room struct {
	ch     signaling.Channel
	engine *Engine
	self   models.CallIdentity
	logger *slog.Logger

	mu     sync.Mutex
	roomID string
}

func NewRoom(ch signaling.Channel, engine *Engine, self models.CallIdentity, logger *slog.Logger) *Room {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Room{ch: ch, engine: engine, self: self, logger: logger}
	r.bind()
	return r
}

func (r *Room) bind() {
	r.ch.Subscribe(signaling.EventExistingParticipants, func(env signaling.Envelope) {
		if !r.joined() {
			return
		}
		var data signaling.ExistingParticipantsData
		if err := env.Decode(&data); err != nil {
			r.logger.Debug("bad existing-participants payload", "error", err)
			return
		}
		r.engine.HandleExistingParticipants(data.Participants)
	})

	r.ch.Subscribe(signaling.EventUserJoined, func(env signaling.Envelope) {
		if !r.joined() {
			return
		}
		var p signaling.RoomParticipant
		if err := env.Decode(&p); err != nil {
			return
		}
		r.engine.HandleUserJoined(p)
	})

	r.ch.Subscribe(signaling.EventUserLeft, func(env signaling.Envelope) {
		if !r.joined() {
			return
		}
		var data signaling.UserLeftData
		if err := env.Decode(&data); err != nil {
			return
		}
		r.engine.HandleUserLeft(data.ConnectionID)
	})

	r.ch.Subscribe(signaling.EventOffer, func(env signaling.Envelope) {
		if !r.joined() || env.From == "" {
			return
		}
		var data signaling.SDPData
		if err := env.Decode(&data); err != nil {
			return
		}
		r.engine.HandleOffer(env.From, data.SDP)
	})

	r.ch.Subscribe(signaling.EventAnswer, func(env signaling.Envelope) {
		if !r.joined() || env.From == "" {
			return
		}
		var data signaling.SDPData
		if err := env.Decode(&data); err != nil {
			return
		}
		r.engine.HandleAnswer(env.From, data.SDP)
	})

	r.ch.Subscribe(signaling.EventICECandidate, func(env signaling.Envelope) {
		if !r.joined() || env.From == "" {
			return
		}
		var data signaling.CandidateData
		if err := env.Decode(&data); err != nil {
			return
		}
		r.engine.HandleCandidate(env.From, data.Candidate)
	})
}

func (r *Room) joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID != ""
}

// RoomID returns the currently joined room, empty when not in one.
func (r *Room) RoomID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomID
}

// Join announces membership. The server replies with existing-participants,
// toward which the engine offers as initiator.
func (r *Room) Join(roomID string) error {
	r.mu.Lock()
	r.roomID = roomID
	r.mu.Unlock()

	return r.ch.Send(signaling.EventJoinRoom, "", signaling.JoinRoomData{
		RoomID:   roomID,
		UserID:   r.self.UserID,
		UserName: r.self.UserName,
	})
}

// Leave withdraws from the room and tears down every peer connection.
func (r *Room) Leave() error {
	r.mu.Lock()
	roomID := r.roomID
	r.roomID = ""
	r.mu.Unlock()

	if roomID == "" {
		return nil
	}
	err := r.ch.Send(signaling.EventLeaveRoom, "", signaling.LeaveRoomData{
		RoomID: roomID,
		UserID: r.self.UserID,
	})
	r.engine.Teardown()
	return err
}
