// Package call implements the client-side call lifecycle: a strict
// single-call-at-a-time state machine that turns UI commands and inbound
// signaling events into transitions between Idle, RingingOut, RingingIn and
// Active, with ring timers and sound/notification side effects.
package call

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/EpochX-sol/health-connect-core/internal/models"
	"github.com/EpochX-sol/health-connect-core/internal/signaling"
)

// State is the call lifecycle state. Exactly one holds at a time.
type State int

const (
	StateIdle State = iota
	StateRingingOut
	StateRingingIn
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRingingOut:
		return "ringing-out"
	case StateRingingIn:
		return "ringing-in"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// DefaultRingTimeout is how long an outgoing call rings before it is
// auto-cancelled and reported as unanswered.
const DefaultRingTimeout = 30 * time.Second

var (
	// ErrCallInProgress is returned by InitiateCall when another call is
	// already ringing or active. The original UI silently overwrote the
	// outgoing record; the guard is deliberate.
	ErrCallInProgress = errors.New("call: another call is already in progress")

	// ErrBadState is returned by commands whose precondition does not hold.
	ErrBadState = errors.New("call: command not valid in current state")
)

// Snapshot is the read model exposed to the UI. At most one of Incoming,
// Outgoing and Active is non-nil.
type Snapshot struct {
	State    State
	Incoming *models.IncomingCall
	Outgoing *models.OutgoingCall
	Active   *models.ActiveCall
	Online   []models.CallIdentity
}

// Options configures collaborator injection. Zero values get defaults:
// no-op sounds/notifier, wall-clock time, real timers, 30s ring timeout.
type Options struct {
	Sounds      Sounder
	Notifier    Notifier
	Logger      *slog.Logger
	NowFn       func() time.Time
	NewTimer    TimerFactory
	RingTimeout time.Duration
}

// Machine is the per-user call session state machine. One instance is owned
// by the session controller for the lifetime of the authenticated session;
// it is never shared between users.
type Machine struct {
	self   models.CallIdentity
	ch     signaling.Channel
	sounds Sounder
	notify Notifier
	logger *slog.Logger

	nowFn       func() time.Time
	newTimer    TimerFactory
	ringTimeout time.Duration

	mu        sync.Mutex
	incoming  *models.IncomingCall
	outgoing  *models.OutgoingCall
	active    *models.ActiveCall
	online    []models.CallIdentity
	ringTimer Timer
	reachable bool

	onChange func(Snapshot)
	onEnded  func()
}

// NewMachine builds the machine and subscribes it to the channel's call
// events and connection state. The identity is registered with the server on
// every transport connect, including reconnects.
func NewMachine(self models.CallIdentity, ch signaling.Channel, opts Options) *Machine {
	if opts.Sounds == nil {
		opts.Sounds = noopSounder{}
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFn == nil {
		opts.NowFn = time.Now
	}
	if opts.NewTimer == nil {
		opts.NewTimer = afterFunc
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}

	m := &Machine{
		self:        self,
		ch:          ch,
		sounds:      opts.Sounds,
		notify:      opts.Notifier,
		logger:      opts.Logger,
		nowFn:       opts.NowFn,
		newTimer:    opts.NewTimer,
		ringTimeout: opts.RingTimeout,
	}
	m.bind()
	return m
}

func (m *Machine) bind() {
	m.ch.Subscribe(signaling.EventIncomingCall, m.handleIncomingCall)
	m.ch.Subscribe(signaling.EventCallConfirmed, m.handleCallConfirmed)
	m.ch.Subscribe(signaling.EventCallAccepted, m.handleCallAccepted)
	m.ch.Subscribe(signaling.EventCallRejected, m.handleCallRejected)
	m.ch.Subscribe(signaling.EventCallCancelled, m.handleCallCancelled)
	m.ch.Subscribe(signaling.EventCallEnded, m.handleCallEnded)
	m.ch.Subscribe(signaling.EventUserOffline, m.handleUserOffline)
	m.ch.Subscribe(signaling.EventUserBusy, m.handleUserBusy)
	m.ch.Subscribe(signaling.EventUserDisconnected, m.handleUserDisconnected)
	m.ch.Subscribe(signaling.EventOnlineUsers, m.handleOnlineUsers)

	m.ch.OnStateChange(func(s signaling.ConnState) {
		switch s {
		case signaling.StateConnected:
			m.register()
		case signaling.StateDisconnected:
			m.mu.Lock()
			m.reachable = false
			m.mu.Unlock()
		}
	})
	if m.ch.State() == signaling.StateConnected {
		m.register()
	}
}

// register binds the identity to the current transport connection. Must be
// idempotent: the server assigns a fresh connection id on every reconnect,
// which invalidates the previous registration.
func (m *Machine) register() {
	err := m.ch.Send(signaling.EventRegisterUser, "", signaling.RegisterUserData{
		UserID:   m.self.UserID,
		UserName: m.self.UserName,
		UserType: m.self.UserType,
	})
	if err != nil {
		m.logger.Warn("register-user failed", "error", err)
		return
	}
	m.mu.Lock()
	m.reachable = true
	m.mu.Unlock()
}

// OnChange registers a callback invoked after every state transition with
// the fresh snapshot. The UI layer renders from it.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// OnEnded registers a callback invoked when an active call terminates for
// any reason. The session controller uses it to tear down peer connections
// and release the local media stream.
func (m *Machine) OnEnded(fn func()) {
	m.mu.Lock()
	m.onEnded = fn
	m.mu.Unlock()
}

// Snapshot returns the current read model.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{State: StateIdle, Online: append([]models.CallIdentity(nil), m.online...)}
	switch {
	case m.active != nil:
		s.State = StateActive
		c := *m.active
		s.Active = &c
	case m.outgoing != nil:
		s.State = StateRingingOut
		c := *m.outgoing
		s.Outgoing = &c
	case m.incoming != nil:
		s.State = StateRingingIn
		c := *m.incoming
		s.Incoming = &c
	}
	return s
}

// InitiateCall starts ringing recipientID. The session id and room id stay
// unset until the server delivers call-accepted. Rejected while any call is
// already ringing or active.
func (m *Machine) InitiateCall(recipientID, recipientName string, callType models.CallType) error {
	m.mu.Lock()
	if m.incoming != nil || m.outgoing != nil || m.active != nil {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.outgoing = &models.OutgoingCall{
		RecipientID:   recipientID,
		RecipientName: recipientName,
		CallType:      callType,
	}
	m.startRingTimerLocked(recipientID)
	m.mu.Unlock()

	if err := m.ch.Send(signaling.EventInitiateCall, "", signaling.InitiateCallData{
		RecipientID: recipientID,
		CallType:    callType,
	}); err != nil {
		m.logger.Warn("initiate-call send failed", "recipient", recipientID, "error", err)
	}
	m.sounds.PlayRingback()
	m.changed()
	return nil
}

// AcceptCall answers the ringing incoming call. The transition to Active is
// deferred until call-confirmed arrives: accepting is two-phase so the UI
// never shows an established call that the server has not acknowledged.
func (m *Machine) AcceptCall() error {
	m.mu.Lock()
	if m.incoming == nil {
		m.mu.Unlock()
		return ErrBadState
	}
	inc := *m.incoming
	m.mu.Unlock()

	if err := m.ch.Send(signaling.EventAcceptCall, "", signaling.AcceptCallData{
		CallSessionID: inc.CallSessionID,
		RecipientID:   inc.CallerID,
	}); err != nil {
		m.logger.Warn("accept-call send failed", "session", inc.CallSessionID, "error", err)
	}
	m.sounds.StopAll()
	return nil
}

// RejectCall declines the ringing incoming call.
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	if m.incoming == nil {
		m.mu.Unlock()
		return ErrBadState
	}
	inc := *m.incoming
	m.incoming = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	if err := m.ch.Send(signaling.EventRejectCall, "", signaling.RejectCallData{
		CallSessionID: inc.CallSessionID,
		CallerID:      inc.CallerID,
	}); err != nil {
		m.logger.Warn("reject-call send failed", "session", inc.CallSessionID, "error", err)
	}
	m.sounds.StopAll()
	m.changed()
	return nil
}

// CancelCall withdraws the ringing outgoing call.
func (m *Machine) CancelCall() error {
	m.mu.Lock()
	if m.outgoing == nil {
		m.mu.Unlock()
		return ErrBadState
	}
	out := *m.outgoing
	m.outgoing = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	if err := m.ch.Send(signaling.EventCancelCall, "", signaling.CancelCallData{
		RecipientID:   out.RecipientID,
		CallSessionID: out.CallSessionID,
	}); err != nil {
		m.logger.Warn("cancel-call send failed", "recipient", out.RecipientID, "error", err)
	}
	m.sounds.StopAll()
	m.changed()
	return nil
}

// EndCall hangs up the active call. Peer connection teardown and media
// release happen in the OnEnded callback, owned by the session controller.
func (m *Machine) EndCall() error {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return ErrBadState
	}
	act := *m.active
	m.active = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	if err := m.ch.Send(signaling.EventEndCall, "", signaling.EndCallData{
		CallSessionID: act.CallSessionID,
	}); err != nil {
		m.logger.Warn("end-call send failed", "session", act.CallSessionID, "error", err)
	}
	m.sounds.StopAll()
	m.ended()
	m.changed()
	return nil
}

// --- inbound signaling handlers -----------------------------------------
//
// Every handler checks its precondition and ignores the event when it does
// not hold. Duplicate and late-arriving events are expected under retries.

func (m *Machine) handleIncomingCall(env signaling.Envelope) {
	var data signaling.IncomingCallData
	if err := env.Decode(&data); err != nil {
		m.logger.Debug("bad incoming-call payload", "error", err)
		return
	}

	m.mu.Lock()
	if m.incoming != nil || m.outgoing != nil || m.active != nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring incoming-call, not idle", "session", data.CallSessionID)
		return
	}
	m.incoming = &models.IncomingCall{
		CallSessionID: data.CallSessionID,
		CallerID:      data.CallerID,
		CallerName:    data.CallerName,
		RoomID:        data.RoomID,
		CallType:      data.CallType,
	}
	m.mu.Unlock()

	m.sounds.PlayRingtone()
	m.notify.Notify("Incoming Call", data.CallerName)
	m.notify.Vibrate()
	m.changed()
}

// handleCallConfirmed completes the accepting side's two-phase accept.
func (m *Machine) handleCallConfirmed(env signaling.Envelope) {
	var data signaling.CallEstablishedData
	if err := env.Decode(&data); err != nil {
		return
	}

	m.mu.Lock()
	if m.incoming == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring call-confirmed, no incoming call", "session", data.CallSessionID)
		return
	}
	m.active = &models.ActiveCall{
		CallSessionID:   data.CallSessionID,
		RoomID:          data.RoomID,
		CallType:        data.CallType,
		ParticipantID:   m.incoming.CallerID,
		ParticipantName: m.incoming.CallerName,
		StartedAt:       m.nowFn(),
	}
	m.incoming = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	m.sounds.StopAll()
	m.changed()
}

// handleCallAccepted completes the initiating side once the remote accepted.
func (m *Machine) handleCallAccepted(env signaling.Envelope) {
	var data signaling.CallEstablishedData
	if err := env.Decode(&data); err != nil {
		return
	}

	m.mu.Lock()
	if m.outgoing == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring call-accepted, no outgoing call", "session", data.CallSessionID)
		return
	}
	m.stopRingTimerLocked()
	m.active = &models.ActiveCall{
		CallSessionID:   data.CallSessionID,
		RoomID:          data.RoomID,
		CallType:        data.CallType,
		ParticipantID:   m.outgoing.RecipientID,
		ParticipantName: m.outgoing.RecipientName,
		StartedAt:       m.nowFn(),
	}
	m.outgoing = nil
	m.mu.Unlock()

	m.sounds.StopAll()
	m.changed()
}

func (m *Machine) handleCallRejected(env signaling.Envelope) {
	if !m.clearOutgoing("call-rejected") {
		return
	}
	m.notify.Notify("Call Declined", "The user declined your call")
	m.changed()
}

func (m *Machine) handleCallCancelled(env signaling.Envelope) {
	m.mu.Lock()
	if m.incoming == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring call-cancelled, no incoming call")
		return
	}
	m.incoming = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	m.sounds.StopAll()
	m.notify.Notify("Call Cancelled", "The caller hung up")
	m.changed()
}

func (m *Machine) handleCallEnded(env signaling.Envelope) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring call-ended, no active call")
		return
	}
	m.active = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	m.sounds.StopAll()
	m.ended()
	m.changed()
}

func (m *Machine) handleUserOffline(env signaling.Envelope) {
	if !m.clearOutgoing("user-offline") {
		return
	}
	m.notify.Notify("User Offline", "The user is not available")
	m.changed()
}

func (m *Machine) handleUserBusy(env signaling.Envelope) {
	if !m.clearOutgoing("user-busy") {
		return
	}
	m.notify.Notify("User Busy", "The user is on another call")
	m.changed()
}

// handleUserDisconnected models the remote party dropping mid-call without
// a clean end-call, reported by the server.
func (m *Machine) handleUserDisconnected(env signaling.Envelope) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring user-disconnected-during-call, no active call")
		return
	}
	m.active = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()

	m.sounds.StopAll()
	m.notify.Notify("Connection Lost", "The other participant disconnected")
	m.ended()
	m.changed()
}

func (m *Machine) handleOnlineUsers(env signaling.Envelope) {
	var data signaling.OnlineUsersData
	if err := env.Decode(&data); err != nil {
		return
	}
	m.mu.Lock()
	m.online = data.Users
	m.mu.Unlock()
	m.changed()
}

// --- timers and helpers --------------------------------------------------

// startRingTimerLocked arms the unanswered-call timeout. The fired callback
// re-checks that the same outgoing call is still ringing: a timer that lost
// the race against a terminal transition must be a no-op.
func (m *Machine) startRingTimerLocked(recipientID string) {
	m.stopRingTimerLocked()
	var t Timer
	t = m.newTimer(m.ringTimeout, func() {
		m.mu.Lock()
		if m.outgoing == nil || m.ringTimer != t {
			m.mu.Unlock()
			return
		}
		out := *m.outgoing
		m.outgoing = nil
		m.ringTimer = nil
		m.mu.Unlock()

		if err := m.ch.Send(signaling.EventCancelCall, "", signaling.CancelCallData{
			RecipientID:   out.RecipientID,
			CallSessionID: out.CallSessionID,
		}); err != nil {
			m.logger.Warn("cancel-call send failed after ring timeout", "recipient", out.RecipientID, "error", err)
		}
		m.sounds.StopAll()
		m.notify.Notify("No Answer", out.RecipientName+" did not answer")
		m.changed()
	})
	m.ringTimer = t
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// clearOutgoing drops the outgoing record for terminal server answers
// (rejected, offline, busy). Returns false when there is nothing to clear.
func (m *Machine) clearOutgoing(event string) bool {
	m.mu.Lock()
	if m.outgoing == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring stale event", "event", event)
		return false
	}
	m.outgoing = nil
	m.stopRingTimerLocked()
	m.mu.Unlock()
	m.sounds.StopAll()
	return true
}

func (m *Machine) changed() {
	m.mu.Lock()
	fn := m.onChange
	var snap Snapshot
	if fn != nil {
		snap = m.snapshotLocked()
	}
	m.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func (m *Machine) ended() {
	m.mu.Lock()
	fn := m.onEnded
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}
