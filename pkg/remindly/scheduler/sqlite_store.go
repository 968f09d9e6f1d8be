// Package scheduler – sqlite_store.go implements StatusStore backed by the
// shared remindly.db SQLite database. Drop-in replacement for MemoryStore:
// same interface, same per-sender locking contract.
package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/remindlab/remindly/pkg/remindly/notify"
)

// SQLiteStore persists job status records in the "job_status" table.
type SQLiteStore struct {
	db *sql.DB

	// locks serializes read-modify-write per sender partition. SQLite
	// already serializes writes, but Transition is a read-then-update and
	// needs partition-level isolation against the execution listener.
	locks map[string]*sync.Mutex
	mu    sync.Mutex
}

// OpenDatabase opens (or creates) the shared SQLite database with the
// pragmas used across remindly.
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// NewSQLiteStore creates a SQLite-backed status store, creating the
// job_status table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS job_status (
			sender_id    TEXT NOT NULL,
			job_id       TEXT NOT NULL,
			task         TEXT NOT NULL DEFAULT '',
			channel      TEXT NOT NULL DEFAULT '',
			scheduled_at TEXT NOT NULL DEFAULT '',
			due_at       TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'pending',
			payload      TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (sender_id, job_id)
		);
		CREATE INDEX IF NOT EXISTS idx_job_status_sender ON job_status(sender_id);
	`)
	if err != nil {
		return nil, fmt.Errorf("creating job_status table: %w", err)
	}
	return &SQLiteStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// lock returns the mutex guarding one sender's partition.
func (s *SQLiteStore) lock(sender string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sender]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sender] = l
	}
	return l
}

// Put writes or replaces a record.
func (s *SQLiteStore) Put(sender string, rec Record) error {
	l := s.lock(sender)
	l.Lock()
	defer l.Unlock()

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO job_status
			(sender_id, job_id, task, channel, scheduled_at, due_at, status, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sender,
		rec.JobID,
		rec.Task,
		string(rec.Channel),
		rec.ScheduledAt.UTC().Format(time.RFC3339),
		rec.DueAt.UTC().Format(time.RFC3339),
		string(rec.Status),
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("save record %q: %w", rec.JobID, err)
	}
	return nil
}

// Get returns a single record.
func (s *SQLiteStore) Get(sender, jobID string) (Record, bool, error) {
	row := s.db.QueryRow(`
		SELECT job_id, task, channel, scheduled_at, due_at, status, payload
		FROM job_status WHERE sender_id = ? AND job_id = ?`, sender, jobID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record %q: %w", jobID, err)
	}
	return rec, true, nil
}

// Transition conditionally updates a record's status under the sender's
// partition lock.
func (s *SQLiteStore) Transition(sender, jobID string, to Status, from ...Status) (bool, error) {
	l := s.lock(sender)
	l.Lock()
	defer l.Unlock()

	var current string
	err := s.db.QueryRow(`
		SELECT status FROM job_status WHERE sender_id = ? AND job_id = ?`,
		sender, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read status of %q: %w", jobID, err)
	}

	if len(from) > 0 && !statusIn(Status(current), from) {
		return false, nil
	}

	_, err = s.db.Exec(`
		UPDATE job_status SET status = ? WHERE sender_id = ? AND job_id = ?`,
		string(to), sender, jobID)
	if err != nil {
		return false, fmt.Errorf("update status of %q: %w", jobID, err)
	}
	return true, nil
}

// List returns all of the sender's records keyed by job ID.
func (s *SQLiteStore) List(sender string) (map[string]Record, error) {
	rows, err := s.db.Query(`
		SELECT job_id, task, channel, scheduled_at, due_at, status, payload
		FROM job_status WHERE sender_id = ?`, sender)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out[rec.JobID] = rec
	}
	return out, rows.Err()
}

// Senders returns every sender with at least one record.
func (s *SQLiteStore) Senders() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT sender_id FROM job_status`)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sender string
		if err := rows.Scan(&sender); err != nil {
			return nil, fmt.Errorf("scan sender: %w", err)
		}
		out = append(out, sender)
	}
	return out, rows.Err()
}

// MaxJobID returns the highest numeric job ID ever stored.
func (s *SQLiteStore) MaxJobID() (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(CAST(job_id AS INTEGER)) FROM job_status`).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max job id: %w", err)
	}
	return max.Int64, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                         Record
		channel, status             string
		scheduledAt, dueAt, payload string
	)
	if err := row.Scan(&rec.JobID, &rec.Task, &channel, &scheduledAt, &dueAt, &status, &payload); err != nil {
		return Record{}, err
	}

	rec.Channel = notify.Channel(channel)
	rec.Status = Status(status)
	rec.ScheduledAt, _ = time.Parse(time.RFC3339, scheduledAt)
	rec.DueAt, _ = time.Parse(time.RFC3339, dueAt)
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return Record{}, fmt.Errorf("parsing payload: %w", err)
	}
	return rec, nil
}
