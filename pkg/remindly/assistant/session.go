package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// ThreadCreator is the slice of Backend needed by the session store.
type ThreadCreator interface {
	CreateThread(ctx context.Context) (string, error)
}

// SessionStore maps each sender to a persistent conversation thread.
// Threads survive restarts so conversations keep their history.
type SessionStore struct {
	db      *sql.DB
	backend ThreadCreator
	logger  *slog.Logger
}

// NewSessionStore creates the thread table if needed.
func NewSessionStore(db *sql.DB, backend ThreadCreator, logger *slog.Logger) (*SessionStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			sender_id    TEXT PRIMARY KEY,
			thread_id    TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("creating threads table: %w", err)
	}
	return &SessionStore{
		db:      db,
		backend: backend,
		logger:  logger.With("component", "sessions"),
	}, nil
}

// GetOrCreate returns the sender's thread ID, creating a backend thread
// on first contact. Concurrent first contacts race benignly: the insert
// is ON CONFLICT DO NOTHING and the loser reads back the winner's row.
func (s *SessionStore) GetOrCreate(ctx context.Context, senderID, displayName string) (string, error) {
	if threadID, err := s.lookup(ctx, senderID); err != nil {
		return "", err
	} else if threadID != "" {
		return threadID, nil
	}

	threadID, err := s.backend.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("creating thread for %s: %w", senderID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (sender_id, thread_id, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sender_id) DO NOTHING`,
		senderID, threadID, displayName, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("storing thread for %s: %w", senderID, err)
	}

	// Read back in case a concurrent call won the insert.
	stored, err := s.lookup(ctx, senderID)
	if err != nil {
		return "", err
	}
	if stored != threadID {
		s.logger.Debug("lost session create race", "sender", senderID)
		return stored, nil
	}

	s.logger.Info("session created", "sender", senderID, "thread_id", threadID)
	return threadID, nil
}

func (s *SessionStore) lookup(ctx context.Context, senderID string) (string, error) {
	var threadID string
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM threads WHERE sender_id = ?`, senderID,
	).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up session for %s: %w", senderID, err)
	}
	return threadID, nil
}
