package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus is the lifecycle state of a persisted call session record.
// Keep values stable because they are part of the public API.
type SessionStatus string

const (
	SessionStatusRinging   SessionStatus = "ringing"
	SessionStatusActive    SessionStatus = "active"
	SessionStatusEnded     SessionStatus = "ended"
	SessionStatusRejected  SessionStatus = "rejected"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusMissed    SessionStatus = "missed"
)

// CallSession is the backend-tracked record of one call between two users.
// Signaling never depends on it: writes are best-effort and a write failure
// degrades to locally generated identifiers.
type CallSession struct {
	ID              string        `gorm:"type:varchar(36);primaryKey" json:"callSessionId"`
	RoomID          string        `gorm:"type:varchar(32);index" json:"roomId"`
	CallerID        string        `gorm:"type:varchar(36);not null;index" json:"callerId"`
	CallerName      string        `gorm:"type:varchar(100)" json:"callerName"`
	CalleeID        string        `gorm:"type:varchar(36);not null;index" json:"calleeId"`
	CalleeName      string        `gorm:"type:varchar(100)" json:"calleeName"`
	CallType        CallType      `gorm:"type:varchar(10)" json:"callType"`
	Status          SessionStatus `gorm:"type:varchar(16);index" json:"status"`
	StartedAt       time.Time     `json:"startedAt"`
	AnsweredAt      *time.Time    `json:"answeredAt,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	DurationSeconds int           `json:"durationSeconds"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func (s *CallSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// PushSubscription stores one web-push endpoint for a user. Only the most
// recent subscription per user is kept.
type PushSubscription struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);not null;index" json:"user_id"`
	Endpoint  string    `gorm:"type:text;not null" json:"endpoint"`
	P256DH    string    `gorm:"type:text;not null" json:"p256dh"`
	Auth      string    `gorm:"type:text;not null" json:"auth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
