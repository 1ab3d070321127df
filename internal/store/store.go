package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrCompleted = errors.New("session already completed")
)

// VoiceSession is the persisted record for one spoken conversation.
// DurationSeconds is monotonically non-decreasing while the session is active;
// a record left with IsCompleted=false is resumable, not broken.
type VoiceSession struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	DurationSeconds int        `json:"duration_seconds"`
	IsCompleted     bool       `json:"is_completed"`
	Transcript      string     `json:"transcript,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Stats is derived from the VoiceSession collection on every list call; it is
// never persisted.
type Stats struct {
	TotalSessions     int    `json:"total_sessions"`
	UsedSessions      int    `json:"used_sessions"`
	RemainingSessions int    `json:"remaining_sessions"`
	IncompleteID      string `json:"incomplete_session_id,omitempty"`
	IncompleteSeconds int    `json:"incomplete_duration_seconds,omitempty"`
}

// Store persists VoiceSession records. Duration updates must be monotonic:
// an update with a smaller value than the stored one is a no-op, not an error.
type Store interface {
	Insert(ctx context.Context, s VoiceSession) error
	Get(ctx context.Context, id string) (VoiceSession, error)
	ListByUser(ctx context.Context, userID string) ([]VoiceSession, error)
	FindIncomplete(ctx context.Context, userID string) (VoiceSession, bool, error)
	UpdateDuration(ctx context.Context, id string, seconds int) error
	Complete(ctx context.Context, id string, seconds int, endedAt time.Time) error
	Close() error
}

// NewStore selects Postgres when a database URL is configured and an in-memory
// store otherwise, so the service runs without external dependencies in dev.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// CycleStart returns the beginning of the quota cycle containing now: the
// first instant of the calendar month, UTC.
func CycleStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DeriveStats recomputes usage statistics from a user's session collection.
// Only sessions started at or after cycleStart consume quota; the incomplete
// session is surfaced regardless of cycle, since it blocks new sessions until
// resumed or completed.
func DeriveStats(sessions []VoiceSession, totalPerCycle int, cycleStart time.Time) Stats {
	stats := Stats{TotalSessions: totalPerCycle}
	for _, s := range sessions {
		if !s.StartedAt.Before(cycleStart) {
			stats.UsedSessions++
		}
		if !s.IsCompleted {
			stats.IncompleteID = s.ID
			stats.IncompleteSeconds = s.DurationSeconds
		}
	}
	stats.RemainingSessions = totalPerCycle - stats.UsedSessions
	if stats.RemainingSessions < 0 {
		stats.RemainingSessions = 0
	}
	return stats
}
