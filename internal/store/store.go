// Package store persists call session records and push subscriptions in
// sqlite via gorm. Signaling never depends on it being available: every
// caller treats store errors as log-and-continue.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/EpochX-sol/health-connect-core/internal/models"
)

var ErrSessionNotFound = errors.New("call session not found")

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at dbPath and migrates the
// schema. Use ":memory:" in tests.
func Open(dbPath string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.CallSession{},
		&models.PushSubscription{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying handle for the push subscription queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateRinging inserts a new session record in the ringing state.
func (s *Store) CreateRinging(session *models.CallSession) error {
	return s.db.Create(session).Error
}

// MarkActive records the answer time on an accepted session.
func (s *Store) MarkActive(sessionID string, at time.Time) error {
	result := s.db.Model(&models.CallSession{}).
		Where("id = ? AND status = ?", sessionID, models.SessionStatusRinging).
		Updates(map[string]any{
			"status":      models.SessionStatusActive,
			"answered_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Finish closes the session with a terminal status. For sessions that were
// answered, the talk duration is derived from answered_at.
func (s *Store) Finish(sessionID string, status models.SessionStatus, at time.Time) error {
	var session models.CallSession
	if err := s.db.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		return err
	}
	if session.EndedAt != nil {
		// Both sides of a call may report the same terminal event.
		return nil
	}

	updates := map[string]any{
		"status":   status,
		"ended_at": at,
	}
	if session.AnsweredAt != nil {
		updates["duration_seconds"] = int(at.Sub(*session.AnsweredAt) / time.Second)
	}
	return s.db.Model(&session).Updates(updates).Error
}

// Get loads one session by id.
func (s *Store) Get(sessionID string) (*models.CallSession, error) {
	var session models.CallSession
	if err := s.db.First(&session, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// ListForUser returns the most recent sessions the user took part in, as
// caller or callee, newest first.
func (s *Store) ListForUser(userID string, limit int) ([]models.CallSession, error) {
	if limit <= 0 {
		limit = 50
	}
	var sessions []models.CallSession
	err := s.db.
		Where("caller_id = ? OR callee_id = ?", userID, userID).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}
