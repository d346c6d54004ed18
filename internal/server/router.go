package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/EpochX-sol/health-connect-core/internal/models"
	"github.com/EpochX-sol/health-connect-core/internal/presence"
	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

// Sessions is the best-effort persistence boundary. Failures are logged and
// never block signaling: the router falls back to its locally generated
// session and room identifiers.
type Sessions interface {
	CreateRinging(session *models.CallSession) error
	MarkActive(sessionID string, at time.Time) error
	Finish(sessionID string, status models.SessionStatus, at time.Time) error
}

// CallAlerter delivers out-of-band incoming-call alerts (web push) to users
// whose app may be backgrounded. Best-effort.
type CallAlerter interface {
	IncomingCall(userID, callerName string, callType models.CallType)
}

type pendingCall struct {
	sessionID  string
	roomID     string
	callType   models.CallType
	callerConn string
	calleeConn string
	startedAt  time.Time
}

type establishedCall struct {
	sessionID string
	connA     string
	connB     string
}

// Router implements the server half of the signaling protocol: it answers
// call-lifecycle events, consults presence for busy/offline, relays
// negotiation events between connections and maintains room membership.
type Router struct {
	hub      Sender
	presence *presence.Registry
	sessions Sessions
	alerter  CallAlerter
	logger   *slog.Logger
	nowFn    func() time.Time

	mu              sync.Mutex
	ringingByID     map[string]*pendingCall // sessionID -> ringing pair
	ringingByConn   map[string]string       // connID -> sessionID
	activeByID      map[string]*establishedCall
	activeByConn    map[string]string
	rooms           map[string]map[string]signaling.RoomParticipant // roomID -> connID -> participant
	roomByConn      map[string]string
}

// RouterOptions carries the optional collaborators; sessions and alerter
// may be nil for a relay-only deployment.
type RouterOptions struct {
	Sessions Sessions
	Alerter  CallAlerter
	Logger   *slog.Logger
	NowFn    func() time.Time
}

func NewRouter(hub Sender, registry *presence.Registry, opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	return &Router{
		hub:           hub,
		presence:      registry,
		sessions:      opts.Sessions,
		alerter:       opts.Alerter,
		logger:        opts.Logger,
		nowFn:         opts.NowFn,
		ringingByID:   make(map[string]*pendingCall),
		ringingByConn: make(map[string]string),
		activeByID:    make(map[string]*establishedCall),
		activeByConn:  make(map[string]string),
		rooms:         make(map[string]map[string]signaling.RoomParticipant),
		roomByConn:    make(map[string]string),
	}
}

// HandleEvent processes one inbound envelope from connID. Events that do
// not match any routable state are logged and dropped, mirroring the
// client-side tolerance for duplicates and races.
func (r *Router) HandleEvent(connID string, env signaling.Envelope) {
	switch env.Type {
	case signaling.EventRegisterUser:
		r.handleRegister(connID, env)
	case signaling.EventInitiateCall:
		r.handleInitiate(connID, env)
	case signaling.EventAcceptCall:
		r.handleAccept(connID, env)
	case signaling.EventRejectCall:
		r.handleReject(connID, env)
	case signaling.EventCancelCall:
		r.handleCancel(connID, env)
	case signaling.EventEndCall:
		r.handleEnd(connID, env)
	case signaling.EventJoinRoom:
		r.handleJoinRoom(connID, env)
	case signaling.EventLeaveRoom:
		r.handleLeaveRoom(connID)
	case signaling.EventOffer, signaling.EventAnswer, signaling.EventICECandidate:
		r.relay(connID, env)
	default:
		r.logger.Debug("unhandled event", "type", env.Type, "conn_id", connID)
	}
}

func (r *Router) handleRegister(connID string, env signaling.Envelope) {
	var data signaling.RegisterUserData
	if err := env.Decode(&data); err != nil || data.UserID == "" {
		r.logger.Debug("bad register-user payload", "conn_id", connID, "error", err)
		return
	}

	identity := models.CallIdentity{UserID: data.UserID, UserName: data.UserName, UserType: data.UserType}
	if displaced := r.presence.Bind(connID, identity); displaced != "" {
		r.logger.Info("user reconnected, displacing stale connection",
			"user_id", data.UserID, "old_conn", displaced, "new_conn", connID)
	}
	r.logger.Info("user registered", "user_id", data.UserID, "user_type", data.UserType, "conn_id", connID)
	r.broadcastOnline()
}

func (r *Router) handleInitiate(connID string, env signaling.Envelope) {
	caller, ok := r.presence.Get(connID)
	if !ok {
		r.logger.Debug("initiate-call from unregistered connection", "conn_id", connID)
		return
	}
	var data signaling.InitiateCallData
	if err := env.Decode(&data); err != nil || data.RecipientID == "" {
		return
	}

	callee, online := r.presence.Lookup(data.RecipientID)
	if !online {
		r.hub.SendEvent(connID, signaling.Envelope{Type: signaling.EventUserOffline})
		return
	}
	if r.presence.IsBusy(callee.ConnID) || r.presence.IsBusy(connID) {
		r.hub.SendEvent(connID, signaling.Envelope{Type: signaling.EventUserBusy})
		return
	}

	now := r.nowFn()
	sessionID := uuid.New().String()
	roomID, err := gonanoid.New(16)
	if err != nil {
		roomID = uuid.New().String()
	}

	r.mu.Lock()
	p := &pendingCall{
		sessionID:  sessionID,
		roomID:     roomID,
		callType:   data.CallType,
		callerConn: connID,
		calleeConn: callee.ConnID,
		startedAt:  now,
	}
	r.ringingByID[sessionID] = p
	r.ringingByConn[connID] = sessionID
	r.ringingByConn[callee.ConnID] = sessionID
	r.mu.Unlock()
	r.presence.SetBusy(connID, true)
	r.presence.SetBusy(callee.ConnID, true)

	if r.sessions != nil {
		if err := r.sessions.CreateRinging(&models.CallSession{
			ID:         sessionID,
			RoomID:     roomID,
			CallerID:   caller.Identity.UserID,
			CallerName: caller.Identity.UserName,
			CalleeID:   callee.Identity.UserID,
			CalleeName: callee.Identity.UserName,
			CallType:   data.CallType,
			Status:     models.SessionStatusRinging,
			StartedAt:  now,
		}); err != nil {
			// Degrade to the locally generated identifiers.
			r.logger.Warn("session record create failed", "session", sessionID, "error", err)
		}
	}
	if r.alerter != nil {
		go r.alerter.IncomingCall(callee.Identity.UserID, caller.Identity.UserName, data.CallType)
	}

	r.hub.SendEvent(callee.ConnID, signaling.Envelope{
		Type: signaling.EventIncomingCall,
		Data: signaling.MarshalData(signaling.IncomingCallData{
			CallSessionID: sessionID,
			CallerID:      caller.Identity.UserID,
			CallerName:    caller.Identity.UserName,
			RoomID:        roomID,
			CallType:      data.CallType,
		}),
	})
	r.logger.Info("call ringing", "session", sessionID,
		"caller", caller.Identity.UserID, "callee", callee.Identity.UserID, "call_type", data.CallType)
}

func (r *Router) handleAccept(connID string, env signaling.Envelope) {
	var data signaling.AcceptCallData
	if err := env.Decode(&data); err != nil {
		return
	}

	r.mu.Lock()
	p := r.ringingByID[data.CallSessionID]
	if p == nil || p.calleeConn != connID {
		r.mu.Unlock()
		r.logger.Debug("ignoring accept-call with no matching ring", "session", data.CallSessionID, "conn_id", connID)
		return
	}
	delete(r.ringingByID, p.sessionID)
	delete(r.ringingByConn, p.callerConn)
	delete(r.ringingByConn, p.calleeConn)
	r.activeByID[p.sessionID] = &establishedCall{sessionID: p.sessionID, connA: p.callerConn, connB: p.calleeConn}
	r.activeByConn[p.callerConn] = p.sessionID
	r.activeByConn[p.calleeConn] = p.sessionID
	r.mu.Unlock()

	if r.sessions != nil {
		if err := r.sessions.MarkActive(p.sessionID, r.nowFn()); err != nil {
			r.logger.Warn("session record activate failed", "session", p.sessionID, "error", err)
		}
	}

	established := signaling.MarshalData(signaling.CallEstablishedData{
		CallSessionID: p.sessionID,
		RoomID:        p.roomID,
		CallType:      p.callType,
	})
	// The caller learns the call was accepted; the accepting callee gets the
	// confirmation that completes its two-phase accept.
	r.hub.SendEvent(p.callerConn, signaling.Envelope{Type: signaling.EventCallAccepted, Data: established})
	r.hub.SendEvent(p.calleeConn, signaling.Envelope{Type: signaling.EventCallConfirmed, Data: established})
	r.logger.Info("call established", "session", p.sessionID)
}

func (r *Router) handleReject(connID string, env signaling.Envelope) {
	var data signaling.RejectCallData
	if err := env.Decode(&data); err != nil {
		return
	}

	p := r.takeRinging(data.CallSessionID, connID, false)
	if p == nil {
		return
	}
	r.finishSession(p.sessionID, models.SessionStatusRejected)
	r.hub.SendEvent(p.callerConn, signaling.Envelope{Type: signaling.EventCallRejected})
	r.logger.Info("call rejected", "session", p.sessionID)
}

func (r *Router) handleCancel(connID string, env signaling.Envelope) {
	var data signaling.CancelCallData
	if err := env.Decode(&data); err != nil {
		return
	}

	p := r.takeRinging(data.CallSessionID, connID, true)
	if p == nil {
		return
	}
	r.finishSession(p.sessionID, models.SessionStatusCancelled)
	r.hub.SendEvent(p.calleeConn, signaling.Envelope{Type: signaling.EventCallCancelled})
	r.logger.Info("call cancelled", "session", p.sessionID)
}

// takeRinging removes and returns the ringing pair addressed by sessionID,
// or by the sender's own pending call when the id is absent (cancel-call
// may fire before the caller has learned the session id).
func (r *Router) takeRinging(sessionID, connID string, asCaller bool) *pendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" {
		sessionID = r.ringingByConn[connID]
	}
	p := r.ringingByID[sessionID]
	if p == nil {
		r.logger.Debug("no ringing call to resolve", "session", sessionID, "conn_id", connID)
		return nil
	}
	if asCaller && p.callerConn != connID {
		return nil
	}
	if !asCaller && p.calleeConn != connID {
		return nil
	}
	delete(r.ringingByID, p.sessionID)
	delete(r.ringingByConn, p.callerConn)
	delete(r.ringingByConn, p.calleeConn)
	r.clearBusyLocked(p.callerConn, p.calleeConn)
	return p
}

func (r *Router) handleEnd(connID string, env signaling.Envelope) {
	var data signaling.EndCallData
	if err := env.Decode(&data); err != nil {
		return
	}

	r.mu.Lock()
	sessionID := data.CallSessionID
	if sessionID == "" {
		sessionID = r.activeByConn[connID]
	}
	call := r.activeByID[sessionID]
	if call == nil || (call.connA != connID && call.connB != connID) {
		r.mu.Unlock()
		r.logger.Debug("ignoring end-call with no matching call", "session", sessionID, "conn_id", connID)
		return
	}
	delete(r.activeByID, sessionID)
	delete(r.activeByConn, call.connA)
	delete(r.activeByConn, call.connB)
	r.clearBusyLocked(call.connA, call.connB)
	other := call.connA
	if other == connID {
		other = call.connB
	}
	r.mu.Unlock()

	r.finishSession(sessionID, models.SessionStatusEnded)
	r.hub.SendEvent(other, signaling.Envelope{Type: signaling.EventCallEnded})
	r.logger.Info("call ended", "session", sessionID)
}

func (r *Router) handleJoinRoom(connID string, env signaling.Envelope) {
	var data signaling.JoinRoomData
	if err := env.Decode(&data); err != nil || data.RoomID == "" {
		return
	}

	r.mu.Lock()
	// A join while still a member of another room is an implicit leave.
	var vacated []string
	if prev, ok := r.roomByConn[connID]; ok && prev != data.RoomID {
		vacated = r.removeFromRoomLocked(connID)
	}

	members := r.rooms[data.RoomID]
	if members == nil {
		members = make(map[string]signaling.RoomParticipant)
		r.rooms[data.RoomID] = members
	}
	_, rejoin := members[connID]
	existing := make([]signaling.RoomParticipant, 0, len(members))
	for id, p := range members {
		if id == connID {
			continue
		}
		existing = append(existing, p)
	}
	joiner := signaling.RoomParticipant{ConnectionID: connID, UserID: data.UserID, UserName: data.UserName}
	members[connID] = joiner
	r.roomByConn[connID] = data.RoomID
	r.mu.Unlock()

	for _, peer := range vacated {
		r.hub.SendEvent(peer, signaling.Envelope{
			Type: signaling.EventUserLeft,
			Data: signaling.MarshalData(signaling.UserLeftData{ConnectionID: connID}),
		})
	}

	// The joiner offers toward everyone already present; the present
	// members only learn the newcomer and wait for its offers. A repeated
	// join from a connection already in the room only refreshes its roster:
	// announcing it again would make the peers expect offers that never
	// come, and the roster never lists the joiner itself.
	r.hub.SendEvent(connID, signaling.Envelope{
		Type: signaling.EventExistingParticipants,
		Data: signaling.MarshalData(signaling.ExistingParticipantsData{Participants: existing}),
	})
	if !rejoin {
		for _, p := range existing {
			r.hub.SendEvent(p.ConnectionID, signaling.Envelope{
				Type: signaling.EventUserJoined,
				Data: signaling.MarshalData(joiner),
			})
		}
	}
	r.logger.Info("room joined", "room", data.RoomID, "conn_id", connID, "peers", len(existing), "rejoin", rejoin)
}

func (r *Router) handleLeaveRoom(connID string) {
	r.mu.Lock()
	remaining := r.removeFromRoomLocked(connID)
	r.mu.Unlock()

	for _, peer := range remaining {
		r.hub.SendEvent(peer, signaling.Envelope{
			Type: signaling.EventUserLeft,
			Data: signaling.MarshalData(signaling.UserLeftData{ConnectionID: connID}),
		})
	}
}

// removeFromRoomLocked detaches connID from its room and returns the
// remaining members to notify.
func (r *Router) removeFromRoomLocked(connID string) []string {
	roomID, ok := r.roomByConn[connID]
	if !ok {
		return nil
	}
	delete(r.roomByConn, connID)
	members := r.rooms[roomID]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		return nil
	}
	remaining := make([]string, 0, len(members))
	for id := range members {
		remaining = append(remaining, id)
	}
	return remaining
}

// relay forwards a peer-addressed negotiation event, stamping From with the
// sender's connection id. Payloads are not inspected: SDP and candidate
// contents are opaque to the relay.
func (r *Router) relay(connID string, env signaling.Envelope) {
	if env.To == "" {
		r.logger.Debug("dropping unaddressed relay event", "type", env.Type, "conn_id", connID)
		return
	}
	env.From = connID
	if !r.hub.SendEvent(env.To, env) {
		r.logger.Debug("relay target gone", "type", env.Type, "to", env.To)
	}
}

// HandleDisconnect resolves everything a vanished connection was involved
// in: room membership, a ringing call (cancelled or missed depending on
// which side dropped) and an established call (reported to the survivor as
// an ungraceful departure, distinct from a clean call-ended).
func (r *Router) HandleDisconnect(connID string) {
	r.handleLeaveRoom(connID)

	r.mu.Lock()
	var (
		ringNotify  string
		ringEvent   string
		ringSession string
		ringStatus  models.SessionStatus
	)
	if sessionID, ok := r.ringingByConn[connID]; ok {
		if p := r.ringingByID[sessionID]; p != nil {
			delete(r.ringingByID, sessionID)
			delete(r.ringingByConn, p.callerConn)
			delete(r.ringingByConn, p.calleeConn)
			r.clearBusyLocked(p.callerConn, p.calleeConn)
			ringSession = p.sessionID
			if p.callerConn == connID {
				ringNotify, ringEvent, ringStatus = p.calleeConn, signaling.EventCallCancelled, models.SessionStatusCancelled
			} else {
				ringNotify, ringEvent, ringStatus = p.callerConn, signaling.EventUserOffline, models.SessionStatusMissed
			}
		}
	}

	var survivorConn, activeSession string
	if sessionID, ok := r.activeByConn[connID]; ok {
		if call := r.activeByID[sessionID]; call != nil {
			delete(r.activeByID, sessionID)
			delete(r.activeByConn, call.connA)
			delete(r.activeByConn, call.connB)
			r.clearBusyLocked(call.connA, call.connB)
			activeSession = sessionID
			survivorConn = call.connA
			if survivorConn == connID {
				survivorConn = call.connB
			}
		}
	}
	r.mu.Unlock()

	if ringSession != "" {
		r.finishSession(ringSession, ringStatus)
		r.hub.SendEvent(ringNotify, signaling.Envelope{Type: ringEvent})
	}
	if activeSession != "" {
		r.finishSession(activeSession, models.SessionStatusEnded)
		r.hub.SendEvent(survivorConn, signaling.Envelope{Type: signaling.EventUserDisconnected})
		r.logger.Info("participant dropped mid-call", "session", activeSession, "conn_id", connID)
	}

	if _, registered := r.presence.Unbind(connID); registered {
		r.broadcastOnline()
	}
}

func (r *Router) clearBusyLocked(connIDs ...string) {
	for _, id := range connIDs {
		r.presence.SetBusy(id, false)
	}
}

func (r *Router) finishSession(sessionID string, status models.SessionStatus) {
	if r.sessions == nil {
		return
	}
	if err := r.sessions.Finish(sessionID, status, r.nowFn()); err != nil {
		r.logger.Warn("session record finish failed", "session", sessionID, "status", status, "error", err)
	}
}

func (r *Router) broadcastOnline() {
	r.hub.BroadcastEvent(signaling.Envelope{
		Type: signaling.EventOnlineUsers,
		Data: signaling.MarshalData(signaling.OnlineUsersData{Users: r.presence.Online()}),
	}, "")
}
