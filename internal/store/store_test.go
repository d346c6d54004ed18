package store

import (
	"errors"
	"testing"
	"time"

	"github.com/EpochX-sol/health-connect-core/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func newRinging(t *testing.T, s *Store, started time.Time) *models.CallSession {
	t.Helper()
	session := &models.CallSession{
		RoomID:     "room-1",
		CallerID:   "dr-1",
		CallerName: "Dr. Adams",
		CalleeID:   "p-2",
		CalleeName: "Pat",
		CallType:   models.CallTypeVideo,
		Status:     models.SessionStatusRinging,
		StartedAt:  started,
	}
	if err := s.CreateRinging(session); err != nil {
		t.Fatalf("CreateRinging: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated session id")
	}
	return session
}

func TestAnsweredSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	session := newRinging(t, s, started)

	answered := started.Add(5 * time.Second)
	if err := s.MarkActive(session.ID, answered); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	ended := answered.Add(90 * time.Second)
	if err := s.Finish(session.ID, models.SessionStatusEnded, ended); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := s.Get(session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.SessionStatusEnded {
		t.Fatalf("status = %q, want ended", got.Status)
	}
	if got.AnsweredAt == nil || got.EndedAt == nil {
		t.Fatalf("timestamps missing: %+v", got)
	}
	if got.DurationSeconds != 90 {
		t.Fatalf("duration = %d, want 90", got.DurationSeconds)
	}
}

func TestUnansweredSessionHasNoDuration(t *testing.T) {
	s := newTestStore(t)
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	session := newRinging(t, s, started)

	if err := s.Finish(session.ID, models.SessionStatusMissed, started.Add(30*time.Second)); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := s.Get(session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.SessionStatusMissed {
		t.Fatalf("status = %q, want missed", got.Status)
	}
	if got.AnsweredAt != nil || got.DurationSeconds != 0 {
		t.Fatalf("missed call must not record talk time: %+v", got)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().UTC()
	session := newRinging(t, s, started)

	if err := s.Finish(session.ID, models.SessionStatusCancelled, started.Add(time.Second)); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	// Both parties report the same terminal event; the second write must not
	// overwrite the first.
	if err := s.Finish(session.ID, models.SessionStatusEnded, started.Add(time.Minute)); err != nil {
		t.Fatalf("second Finish: %v", err)
	}

	got, err := s.Get(session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.SessionStatusCancelled {
		t.Fatalf("status = %q, want cancelled to stick", got.Status)
	}
}

func TestMarkActiveUnknownSession(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkActive("no-such-id", time.Now()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.Get("no-such-id"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get err = %v, want ErrSessionNotFound", err)
	}
}

func TestListForUserCoversBothDirections(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	asCaller := newRinging(t, s, base)
	other := &models.CallSession{
		RoomID: "room-2", CallerID: "p-2", CallerName: "Pat",
		CalleeID: "dr-1", CalleeName: "Dr. Adams",
		CallType: models.CallTypeVoice, Status: models.SessionStatusRinging,
		StartedAt: base.Add(time.Hour),
	}
	if err := s.CreateRinging(other); err != nil {
		t.Fatalf("CreateRinging: %v", err)
	}
	unrelated := &models.CallSession{
		RoomID: "room-3", CallerID: "dr-9", CalleeID: "p-9",
		Status: models.SessionStatusRinging, StartedAt: base,
	}
	if err := s.CreateRinging(unrelated); err != nil {
		t.Fatalf("CreateRinging: %v", err)
	}

	sessions, err := s.ListForUser("dr-1", 10)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	// Newest first.
	if sessions[0].ID != other.ID || sessions[1].ID != asCaller.ID {
		t.Fatalf("order = %q, %q", sessions[0].ID, sessions[1].ID)
	}
}
