// Package signaling defines the wire contract spoken between call clients and
// the signaling server, and the transport abstraction both the session state
// machine and the negotiation engine send through. Implementations are the
// websocket client (production), the server-side relay, and an in-process
// loopback used by tests.
package signaling

import "encoding/json"

// Event names. The server relays peer-addressed events verbatim and answers
// the call-lifecycle events itself. Keep values stable: clients of several
// versions share one server.
const (
	EventRegisterUser = "register-user"
	EventOnlineUsers  = "online-users"

	EventInitiateCall  = "initiate-call"
	EventIncomingCall  = "incoming-call"
	EventAcceptCall    = "accept-call"
	EventCallConfirmed = "call-confirmed"
	EventCallAccepted  = "call-accepted"
	EventRejectCall    = "reject-call"
	EventCallRejected  = "call-rejected"
	EventCancelCall    = "cancel-call"
	EventCallCancelled = "call-cancelled"
	EventEndCall       = "end-call"
	EventCallEnded     = "call-ended"

	EventUserOffline      = "user-offline"
	EventUserBusy         = "user-busy"
	EventUserDisconnected = "user-disconnected-during-call"

	EventJoinRoom             = "join-room"
	EventLeaveRoom            = "leave-room"
	EventExistingParticipants = "existing-participants"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"

	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
)

// Envelope is the framing for every signaling message. To addresses a remote
// connection id for peer-to-peer relay events; the server stamps From with
// the sender's connection id before forwarding.
type Envelope struct {
	Type string          `json:"type"`
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// ConnState is the coarse transport connection state exposed to the session
// layer for presence re-registration.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler consumes one inbound envelope. Handlers for a single channel are
// invoked sequentially in delivery order.
type Handler func(env Envelope)

// Channel is the duplex signaling transport. Send marshals data into the
// envelope payload; to may be empty for events addressed to the server
// itself. Subscribe registers a handler for one event type; multiple
// handlers per event are allowed.
type Channel interface {
	Send(event, to string, data any) error
	Subscribe(event string, fn Handler)
	OnStateChange(fn func(ConnState))
	State() ConnState
	Close() error
}

// MarshalData builds an envelope payload, swallowing marshal errors the same
// way the rest of the wire layer does: every payload type here is a plain
// struct that cannot fail to marshal.
func MarshalData(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, _ := json.Marshal(v)
	return b
}
