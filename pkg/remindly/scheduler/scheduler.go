// Package scheduler implements deferred notification jobs for remindly.
// One schedule request fans out into one job per requested channel; each job
// gets a globally unique ID, a one-shot timer, and a durable status record.
// A cron-driven sweep re-arms persisted pending jobs after restarts.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/remindlab/remindly/pkg/remindly/notify"
)

// Dispatcher delivers a fired job's payload. Satisfied by notify.Dispatcher.
type Dispatcher interface {
	Send(ctx context.Context, ch notify.Channel, p notify.Payload) error
}

// ScheduleRequest is one logical "schedule" request from the user. It may
// fan out into several jobs, one per requested channel, all sharing the
// same task label and due time.
type ScheduleRequest struct {
	// Task is the human-readable task label.
	Task string

	// DueAt is when the notification fires. A time in the past is
	// accepted and fires at the next scheduler tick (best effort).
	DueAt time.Time

	// Channels is the set of requested delivery channels.
	Channels []notify.Channel

	// ReminderMessage is the WhatsApp message text.
	ReminderMessage string

	// Email fields.
	Email        string
	EmailSubject string
	EmailBody    string

	// Voice call fields.
	PhoneNumber string
	CallMessage string
}

// payloadFor builds the channel-specific payload. The WhatsApp recipient is
// the sender themselves; email and call carry explicit recipients.
func (r ScheduleRequest) payloadFor(sender string, ch notify.Channel) (notify.Payload, error) {
	switch ch {
	case notify.ChannelWhatsApp:
		return notify.Payload{To: sender, Message: r.ReminderMessage}, nil
	case notify.ChannelEmail:
		if r.Email == "" {
			return notify.Payload{}, fmt.Errorf("email channel requested without recipient")
		}
		return notify.Payload{To: r.Email, Subject: r.EmailSubject, Body: r.EmailBody}, nil
	case notify.ChannelCall:
		if r.PhoneNumber == "" {
			return notify.Payload{}, fmt.Errorf("call channel requested without phone number")
		}
		return notify.Payload{To: r.PhoneNumber, Message: r.CallMessage}, nil
	}
	return notify.Payload{}, fmt.Errorf("unknown channel %q", ch)
}

// armedJob is one in-memory timer for a pending job.
type armedJob struct {
	id      string
	channel notify.Channel
	payload notify.Payload
	dueAt   time.Time
	cancel  chan struct{}
}

// Scheduler owns the deferred execution lifecycle of jobs and their status
// bookkeeping. Safe for concurrent use from request paths and the timer
// goroutines it spawns.
type Scheduler struct {
	store    StatusStore
	alloc    *IDAllocator
	dispatch Dispatcher

	// timers tracks armed jobs by ID; the "timer subsystem" Delete
	// consults before marking a record deleted.
	timers map[string]*armedJob

	// cron drives the periodic catch-up sweep.
	cron          *cron.Cron
	sweepInterval time.Duration

	deliverTimeout time.Duration
	now            func() time.Time

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithSweepInterval overrides the catch-up sweep interval (default 30s).
func WithSweepInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.sweepInterval = d }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. The allocator is seeded by the caller (usually
// from StatusStore.MaxJobID) so IDs keep increasing across restarts.
func New(store StatusStore, alloc *IDAllocator, dispatch Dispatcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		store:          store,
		alloc:          alloc,
		dispatch:       dispatch,
		timers:         make(map[string]*armedJob),
		sweepInterval:  30 * time.Second,
		deliverTimeout: 30 * time.Second,
		now:            time.Now,
		logger:         logger.With("component", "scheduler"),
		ctx:            context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start re-arms persisted pending jobs and begins the sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.sweep()

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.sweepInterval), s.sweep); err != nil {
		return fmt.Errorf("registering sweep: %w", err)
	}
	s.cron.Start()

	s.mu.Lock()
	armed := len(s.timers)
	s.mu.Unlock()

	s.logger.Info("scheduler started", "armed_jobs", armed)
	return nil
}

// Stop halts the sweep loop and releases all timers.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// Schedule creates one job per requested channel and returns the allocated
// job IDs keyed by channel.
func (s *Scheduler) Schedule(sender string, req ScheduleRequest) (map[notify.Channel]string, error) {
	if len(req.Channels) == 0 {
		return nil, fmt.Errorf("no channels requested")
	}
	if req.DueAt.IsZero() {
		return nil, fmt.Errorf("due time is required")
	}

	ids := make(map[notify.Channel]string, len(req.Channels))
	for _, ch := range req.Channels {
		payload, err := req.payloadFor(sender, ch)
		if err != nil {
			return nil, err
		}

		id := s.alloc.Next()
		rec := Record{
			JobID:       id,
			Task:        req.Task,
			Channel:     ch,
			ScheduledAt: s.now(),
			DueAt:       req.DueAt,
			Status:      StatusPending,
			Payload:     payload,
		}
		if err := s.store.Put(sender, rec); err != nil {
			return nil, fmt.Errorf("persisting job %s: %w", id, err)
		}

		s.arm(&armedJob{
			id:      id,
			channel: ch,
			payload: payload,
			dueAt:   req.DueAt,
			cancel:  make(chan struct{}),
		})
		ids[ch] = id

		s.logger.Info("job scheduled",
			"id", id,
			"sender", sender,
			"channel", ch,
			"task", req.Task,
			"due_at", req.DueAt.Format(time.RFC3339),
		)
	}
	return ids, nil
}

// Delete cancels a pending job's timer and marks the sender's record
// deleted. Returns false, without error, when the job ID is unknown to the
// timer subsystem.
func (s *Scheduler) Delete(sender, jobID string) bool {
	// Settle the record and pop the timer under one lock. The sweep
	// re-checks record status under the same lock before re-arming, so
	// it can never resurrect a job in the window where the timer is
	// gone but the record still reads pending from a list snapshot.
	s.mu.Lock()
	changed, err := s.store.Transition(sender, jobID, StatusDeleted, StatusPending)
	if err != nil {
		s.logger.Error("failed to mark job deleted", "id", jobID, "error", err)
	}
	job, ok := s.timers[jobID]
	if ok {
		delete(s.timers, jobID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("delete of unknown job", "id", jobID, "sender", sender)
		return false
	}

	close(job.cancel)

	if !changed {
		s.logger.Warn("deleted job had no pending record", "id", jobID, "sender", sender)
	}

	s.logger.Info("job deleted", "id", jobID, "sender", sender)
	return true
}

// ListPending returns the sender's records still in the pending state.
func (s *Scheduler) ListPending(sender string) (map[string]Record, error) {
	all, err := s.store.List(sender)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record)
	for id, rec := range all {
		if rec.Status == StatusPending {
			out[id] = rec
		}
	}
	return out, nil
}

// ListAll returns every record for the sender, any status. Serves the
// read-only reporting surface.
func (s *Scheduler) ListAll(sender string) (map[string]Record, error) {
	return s.store.List(sender)
}

// Senders returns all senders known to the status store.
func (s *Scheduler) Senders() ([]string, error) {
	return s.store.Senders()
}

// arm registers a timer for the job unless one is already tracked.
func (s *Scheduler) arm(job *armedJob) {
	s.mu.Lock()
	if _, exists := s.timers[job.id]; exists {
		s.mu.Unlock()
		return
	}
	s.timers[job.id] = job
	s.mu.Unlock()

	go s.waitAndFire(job)
}

// rearm registers a timer for a persisted job found by the sweep. The
// sweep works from a list snapshot, so the record's status is re-read
// under the lock: a Delete that ran since the snapshot has already
// settled the record and the job must stay dead.
func (s *Scheduler) rearm(sender string, job *armedJob) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[job.id]; exists {
		return false
	}
	rec, ok, err := s.store.Get(sender, job.id)
	if err != nil {
		s.logger.Error("sweep re-check failed", "id", job.id, "error", err)
		return false
	}
	if !ok || rec.Status != StatusPending {
		return false
	}

	s.timers[job.id] = job
	go s.waitAndFire(job)
	return true
}

// waitAndFire blocks until the job's due time, cancellation, or shutdown.
// A due time in the past fires immediately.
func (s *Scheduler) waitAndFire(job *armedJob) {
	delay := time.Until(job.dueAt)
	if delay < 0 {
		delay = 0
	}

	select {
	case <-time.After(delay):
	case <-job.cancel:
		return
	case <-s.ctx.Done():
		return
	}

	// The job may have been cancelled between the timer firing and now.
	s.mu.Lock()
	if _, still := s.timers[job.id]; !still {
		s.mu.Unlock()
		return
	}
	delete(s.timers, job.id)
	s.mu.Unlock()

	s.onFired(job.id, s.deliver(job))
}

// deliver dispatches the payload, converting panics in channel senders
// into errors so one bad sender never kills the timer goroutine.
func (s *Scheduler) deliver(job *armedJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s sender: %v", job.channel, r)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.deliverTimeout)
	defer cancel()
	return s.dispatch.Send(ctx, job.channel, job.payload)
}

// onFired is the execution listener: it records the outcome of a fired job.
// Job IDs are global but status is partitioned per sender, so it scans the
// sender partitions until it finds the owner. Acceptable on this background
// path; a global id→sender index is the upgrade if volume grows.
func (s *Scheduler) onFired(jobID string, deliverErr error) {
	target := StatusCompleted
	if deliverErr != nil {
		target = StatusFailed
	}

	senders, err := s.store.Senders()
	if err != nil {
		s.logger.Error("listener could not list senders", "id", jobID, "error", err)
		return
	}

	for _, sender := range senders {
		_, ok, err := s.store.Get(sender, jobID)
		if err != nil {
			s.logger.Error("listener read failed", "id", jobID, "sender", sender, "error", err)
			continue
		}
		if !ok {
			continue
		}

		changed, err := s.store.Transition(sender, jobID, target, StatusPending)
		if err != nil {
			s.logger.Error("listener update failed", "id", jobID, "sender", sender, "error", err)
		} else if changed {
			s.logger.Info("job finished", "id", jobID, "sender", sender, "status", target)
		} else {
			// Deleted (or already settled) records stay as they are.
			s.logger.Debug("listener skipped settled job", "id", jobID, "sender", sender)
		}
		return
	}

	s.logger.Warn("fired job has no owner record", "id", jobID)
}

// sweep re-arms pending records with no tracked timer. Covers process
// restarts and any timer lost to shutdown; overdue jobs fire immediately,
// which is the documented best-effort behavior for past due times.
func (s *Scheduler) sweep() {
	senders, err := s.store.Senders()
	if err != nil {
		s.logger.Error("sweep could not list senders", "error", err)
		return
	}

	rearmed := 0
	for _, sender := range senders {
		recs, err := s.store.List(sender)
		if err != nil {
			s.logger.Error("sweep could not list records", "sender", sender, "error", err)
			continue
		}
		for id, rec := range recs {
			if rec.Status != StatusPending {
				continue
			}
			if s.rearm(sender, &armedJob{
				id:      id,
				channel: rec.Channel,
				payload: rec.Payload,
				dueAt:   rec.DueAt,
				cancel:  make(chan struct{}),
			}) {
				rearmed++
			}
		}
	}

	if rearmed > 0 {
		s.logger.Info("sweep re-armed jobs", "count", rearmed)
	}
}
