// Package scheduler – store.go defines the per-sender status store: the
// durable source of truth for what is pending, done, failed, or deleted.
package scheduler

import (
	"sync"
	"time"

	"github.com/remindlab/remindly/pkg/remindly/notify"
)

// Status is the lifecycle state of a scheduled job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

// Record is the status snapshot of one channel-specific job.
type Record struct {
	JobID       string         `json:"job_id"`
	Task        string         `json:"task"`
	Channel     notify.Channel `json:"channel"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	DueAt       time.Time      `json:"due_at"`
	Status      Status         `json:"status"`
	Payload     notify.Payload `json:"payload"`
}

// StatusStore persists job records partitioned by sender. Mutations on one
// sender's partition must be serialized by the implementation: the request
// path (schedule/delete) and the execution listener (complete/fail) can
// touch the same record moments apart.
type StatusStore interface {
	// Put writes or replaces a record in the sender's partition.
	Put(sender string, rec Record) error

	// Get returns the record for a job ID within the sender's partition.
	Get(sender, jobID string) (Record, bool, error)

	// Transition updates a record's status. When from is non-empty the
	// update only applies while the current status is one of from; it
	// reports whether the record changed. A record that already reached
	// "deleted" is therefore never resurrected by a late fire.
	Transition(sender, jobID string, to Status, from ...Status) (bool, error)

	// List returns all records in the sender's partition keyed by job ID.
	List(sender string) (map[string]Record, error)

	// Senders returns every sender that has at least one record.
	Senders() ([]string, error)

	// MaxJobID returns the highest numeric job ID ever stored, used to
	// seed the ID allocator across restarts. Zero when the store is empty.
	MaxJobID() (int64, error)
}

// MemoryStore is an in-memory StatusStore with a lock per sender partition.
// Used in tests and as the reference implementation of the locking contract.
type MemoryStore struct {
	parts map[string]*memoryPartition
	mu    sync.Mutex
}

type memoryPartition struct {
	recs map[string]Record
	mu   sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parts: make(map[string]*memoryPartition)}
}

func (s *MemoryStore) partition(sender string) *memoryPartition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[sender]
	if !ok {
		p = &memoryPartition{recs: make(map[string]Record)}
		s.parts[sender] = p
	}
	return p
}

// Put writes a record.
func (s *MemoryStore) Put(sender string, rec Record) error {
	p := s.partition(sender)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recs[rec.JobID] = rec
	return nil
}

// Get returns a record by job ID.
func (s *MemoryStore) Get(sender, jobID string) (Record, bool, error) {
	p := s.partition(sender)
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.recs[jobID]
	return rec, ok, nil
}

// Transition conditionally updates a record's status.
func (s *MemoryStore) Transition(sender, jobID string, to Status, from ...Status) (bool, error) {
	p := s.partition(sender)
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.recs[jobID]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !statusIn(rec.Status, from) {
		return false, nil
	}
	rec.Status = to
	p.recs[jobID] = rec
	return true, nil
}

// List returns a copy of the sender's records.
func (s *MemoryStore) List(sender string) (map[string]Record, error) {
	p := s.partition(sender)
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Record, len(p.recs))
	for id, rec := range p.recs {
		out[id] = rec
	}
	return out, nil
}

// Senders returns all senders with records.
func (s *MemoryStore) Senders() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.parts))
	for sender := range s.parts {
		out = append(out, sender)
	}
	return out, nil
}

// MaxJobID returns the highest numeric job ID stored.
func (s *MemoryStore) MaxJobID() (int64, error) {
	s.mu.Lock()
	parts := make([]*memoryPartition, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.mu.Unlock()

	var max int64
	for _, p := range parts {
		p.mu.Lock()
		for id := range p.recs {
			if n, ok := parseJobID(id); ok && n > max {
				max = n
			}
		}
		p.mu.Unlock()
	}
	return max, nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func parseJobID(id string) (int64, bool) {
	var n int64
	for _, c := range id {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, id != ""
}
