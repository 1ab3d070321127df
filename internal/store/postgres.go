package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists voice sessions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			is_completed BOOLEAN NOT NULL DEFAULT FALSE,
			transcript TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_sessions_user_started ON voice_sessions (user_id, started_at);`,
		// At most one non-completed session per user at any time.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_voice_sessions_user_open ON voice_sessions (user_id) WHERE NOT is_completed;`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, sess VoiceSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, user_id, duration_seconds, is_completed, transcript, summary, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID,
		sess.UserID,
		sess.DurationSeconds,
		sess.IsCompleted,
		sess.Transcript,
		sess.Summary,
		sess.StartedAt,
		sess.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (VoiceSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, duration_seconds, is_completed, transcript, summary, started_at, ended_at
		 FROM voice_sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]VoiceSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, duration_seconds, is_completed, transcript, summary, started_at, ended_at
		 FROM voice_sessions WHERE user_id=$1 ORDER BY started_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := make([]VoiceSession, 0, 8)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindIncomplete(ctx context.Context, userID string) (VoiceSession, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, duration_seconds, is_completed, transcript, summary, started_at, ended_at
		 FROM voice_sessions WHERE user_id=$1 AND NOT is_completed`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, ErrNotFound) {
		return VoiceSession{}, false, nil
	}
	if err != nil {
		return VoiceSession{}, false, err
	}
	return sess, true, nil
}

func (s *PostgresStore) UpdateDuration(ctx context.Context, id string, seconds int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions
		 SET duration_seconds = GREATEST(duration_seconds, $2)
		 WHERE id=$1 AND NOT is_completed`, id, seconds)
	if err != nil {
		return fmt.Errorf("update duration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or it was completed under us.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrCompleted
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, seconds int, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions
		 SET duration_seconds = GREATEST(duration_seconds, $2), is_completed = TRUE, ended_at = $3
		 WHERE id=$1 AND NOT is_completed`, id, seconds, endedAt)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is missing or it is already finalized.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrCompleted
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (VoiceSession, error) {
	var sess VoiceSession
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.DurationSeconds,
		&sess.IsCompleted,
		&sess.Transcript,
		&sess.Summary,
		&sess.StartedAt,
		&sess.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return VoiceSession{}, ErrNotFound
	}
	if err != nil {
		return VoiceSession{}, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}
