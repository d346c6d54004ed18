package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/EpochX-sol/health-connect-core/internal/models"
)

// RegisterUserData binds the authenticated identity to the current transport
// connection. Re-sent after every reconnect because the server assigns a new
// connection id each time.
type RegisterUserData struct {
	UserID   string          `json:"userId"`
	UserName string          `json:"userName"`
	UserType models.UserType `json:"userType"`
}

// OnlineUsersData is the full presence snapshot broadcast by the server.
type OnlineUsersData struct {
	Users []models.CallIdentity `json:"users"`
}

type InitiateCallData struct {
	RecipientID string          `json:"recipientId"`
	CallType    models.CallType `json:"callType"`
}

type IncomingCallData struct {
	CallSessionID string          `json:"callSessionId"`
	CallerID      string          `json:"callerId"`
	CallerName    string          `json:"callerName"`
	RoomID        string          `json:"roomId"`
	CallType      models.CallType `json:"callType"`
}

type AcceptCallData struct {
	CallSessionID string `json:"callSessionId"`
	RecipientID   string `json:"recipientId"`
}

// CallEstablishedData carries the session coordinates for both the
// call-accepted event (to the caller) and the call-confirmed event (to the
// accepting callee).
type CallEstablishedData struct {
	CallSessionID string          `json:"callSessionId"`
	RoomID        string          `json:"roomId"`
	CallType      models.CallType `json:"callType"`
}

type RejectCallData struct {
	CallSessionID string `json:"callSessionId"`
	CallerID      string `json:"callerId"`
}

type CancelCallData struct {
	RecipientID   string `json:"recipientId"`
	CallSessionID string `json:"callSessionId,omitempty"`
}

type EndCallData struct {
	CallSessionID string `json:"callSessionId"`
}

type JoinRoomData struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type LeaveRoomData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// RoomParticipant identifies one peer in a room by its transport connection
// id. Peer entries are keyed by connection id rather than user id so a user
// reconnecting with a fresh connection is a distinct peer.
type RoomParticipant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName,omitempty"`
}

type ExistingParticipantsData struct {
	Participants []RoomParticipant `json:"participants"`
}

type UserLeftData struct {
	ConnectionID string `json:"connectionId"`
}

// SDPData carries an offer or answer session description.
type SDPData struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type CandidateData struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}
