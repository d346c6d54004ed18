package models

import "time"

// CallType distinguishes audio-only calls from audio+video calls.
// Keep values stable because they are part of the signaling wire format.
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// UserType is the portal role of a signaling participant.
type UserType string

const (
	UserTypeDoctor  UserType = "doctor"
	UserTypePatient UserType = "patient"
)

// CallIdentity identifies a signaling participant. It is supplied by the
// authentication layer and immutable for the lifetime of a session.
type CallIdentity struct {
	UserID   string   `json:"userId"`
	UserName string   `json:"userName"`
	UserType UserType `json:"userType"`
}

// IncomingCall is held while the local user is being rung by a remote caller.
type IncomingCall struct {
	CallSessionID string   `json:"callSessionId"`
	CallerID      string   `json:"callerId"`
	CallerName    string   `json:"callerName"`
	RoomID        string   `json:"roomId"`
	CallType      CallType `json:"callType"`
}

// OutgoingCall is held while the local user is ringing a remote recipient.
// CallSessionID and RoomID stay empty until the server confirms the call.
type OutgoingCall struct {
	RecipientID   string   `json:"recipientId"`
	RecipientName string   `json:"recipientName"`
	CallType      CallType `json:"callType"`
	CallSessionID string   `json:"callSessionId,omitempty"`
	RoomID        string   `json:"roomId,omitempty"`
}

// ActiveCall is held while a call is established. It is created exactly once,
// either from an OutgoingCall (remote accepted us) or an IncomingCall (we
// accepted the remote and the server confirmed).
type ActiveCall struct {
	CallSessionID   string    `json:"callSessionId"`
	RoomID          string    `json:"roomId"`
	CallType        CallType  `json:"callType"`
	ParticipantID   string    `json:"participantId"`
	ParticipantName string    `json:"participantName"`
	StartedAt       time.Time `json:"startedAt"`
}
