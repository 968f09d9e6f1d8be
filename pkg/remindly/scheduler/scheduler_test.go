package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/remindlab/remindly/pkg/remindly/notify"
)

// captureDispatcher records deliveries and can be told to fail.
type captureDispatcher struct {
	mu    sync.Mutex
	sent  []capturedSend
	fail  bool
	panic bool
}

type capturedSend struct {
	channel notify.Channel
	payload notify.Payload
}

func (d *captureDispatcher) Send(_ context.Context, ch notify.Channel, p notify.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panic {
		panic("sender exploded")
	}
	if d.fail {
		return fmt.Errorf("delivery refused")
	}
	d.sent = append(d.sent, capturedSend{channel: ch, payload: p})
	return nil
}

func (d *captureDispatcher) sends() []capturedSend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capturedSend(nil), d.sent...)
}

func newTestScheduler(t *testing.T, dispatch Dispatcher) (*Scheduler, StatusStore) {
	t.Helper()
	store := NewMemoryStore()
	sched := New(store, NewIDAllocator(0), dispatch, nil,
		WithSweepInterval(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sched.Stop)
	return sched, store
}

// waitForStatus polls until the record reaches the wanted status.
func waitForStatus(t *testing.T, store StatusStore, sender, jobID string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok, err := store.Get(sender, jobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && rec.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	rec, _, _ := store.Get(sender, jobID)
	t.Fatalf("job %s status = %s, want %s", jobID, rec.Status, want)
}

func TestScheduleFansOutPerChannel(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, store := newTestScheduler(t, dispatch)

	ids, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "dentist",
		DueAt:           time.Now().Add(time.Hour),
		Channels:        []notify.Channel{notify.ChannelWhatsApp, notify.ChannelEmail},
		ReminderMessage: "dentist at 5",
		Email:           "alice@example.com",
		EmailSubject:    "Dentist",
		EmailBody:       "Appointment at 5pm",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d job IDs, want 2", len(ids))
	}
	if ids[notify.ChannelWhatsApp] == ids[notify.ChannelEmail] {
		t.Fatal("fan-out jobs must have distinct IDs")
	}

	recs, err := store.List("alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("store has %d records, want 2", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != StatusPending {
			t.Fatalf("new job status = %s, want pending", rec.Status)
		}
	}

	// WhatsApp reminders go back to the sender; email goes to the
	// explicit recipient.
	wa, _, _ := store.Get("alice", ids[notify.ChannelWhatsApp])
	if wa.Payload.To != "alice" {
		t.Fatalf("whatsapp payload To = %s, want alice", wa.Payload.To)
	}
	email, _, _ := store.Get("alice", ids[notify.ChannelEmail])
	if email.Payload.To != "alice@example.com" {
		t.Fatalf("email payload To = %s, want alice@example.com", email.Payload.To)
	}
}

func TestScheduleRejectsMissingRecipients(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, _ := newTestScheduler(t, dispatch)

	_, err := sched.Schedule("alice", ScheduleRequest{
		Task:     "email without address",
		DueAt:    time.Now().Add(time.Hour),
		Channels: []notify.Channel{notify.ChannelEmail},
	})
	if err == nil {
		t.Fatal("email channel without recipient must fail")
	}

	_, err = sched.Schedule("alice", ScheduleRequest{
		Task:     "call without number",
		DueAt:    time.Now().Add(time.Hour),
		Channels: []notify.Channel{notify.ChannelCall},
	})
	if err == nil {
		t.Fatal("call channel without phone number must fail")
	}
}

func TestJobFiresAndCompletes(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, store := newTestScheduler(t, dispatch)

	ids, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "tea",
		DueAt:           time.Now().Add(30 * time.Millisecond),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "tea is ready",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	id := ids[notify.ChannelWhatsApp]
	waitForStatus(t, store, "alice", id, StatusCompleted)

	sends := dispatch.sends()
	if len(sends) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(sends))
	}
	if sends[0].payload.Message != "tea is ready" {
		t.Fatalf("dispatched message = %q", sends[0].payload.Message)
	}
}

func TestFailedDeliveryMarksJobFailed(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{fail: true}
	sched, store := newTestScheduler(t, dispatch)

	ids, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "doomed",
		DueAt:           time.Now().Add(30 * time.Millisecond),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "never arrives",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitForStatus(t, store, "alice", ids[notify.ChannelWhatsApp], StatusFailed)
}

func TestPanickingSenderMarksJobFailed(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{panic: true}
	sched, store := newTestScheduler(t, dispatch)

	ids, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "explosive",
		DueAt:           time.Now().Add(30 * time.Millisecond),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "boom",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitForStatus(t, store, "alice", ids[notify.ChannelWhatsApp], StatusFailed)
}

func TestDeleteCancelsPendingJob(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, store := newTestScheduler(t, dispatch)

	ids, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "cancel me",
		DueAt:           time.Now().Add(time.Hour),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "should never fire",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	id := ids[notify.ChannelWhatsApp]

	if !sched.Delete("alice", id) {
		t.Fatal("Delete of armed job must report true")
	}
	waitForStatus(t, store, "alice", id, StatusDeleted)

	// Second delete: the timer is gone.
	if sched.Delete("alice", id) {
		t.Fatal("Delete of already deleted job must report false")
	}

	if len(dispatch.sends()) != 0 {
		t.Fatal("deleted job must not be delivered")
	}
}

func TestDeleteRacingSweepNeverRearms(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	store := NewMemoryStore()
	// Long sweep interval; the race is forced by calling sweep directly.
	sched := New(store, NewIDAllocator(0), dispatch, nil,
		WithSweepInterval(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sched.Stop)

	for i := 0; i < 100; i++ {
		ids, err := sched.Schedule("alice", ScheduleRequest{
			Task:            "contested",
			DueAt:           time.Now().Add(time.Hour),
			Channels:        []notify.Channel{notify.ChannelWhatsApp},
			ReminderMessage: "should never fire",
		})
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		id := ids[notify.ChannelWhatsApp]

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			sched.Delete("alice", id)
		}()
		go func() {
			defer wg.Done()
			sched.sweep()
		}()
		wg.Wait()

		rec, ok, err := store.Get("alice", id)
		if err != nil || !ok {
			t.Fatalf("Get(%s): ok=%v err=%v", id, ok, err)
		}
		if rec.Status != StatusDeleted {
			t.Fatalf("job %s status = %s, want deleted", id, rec.Status)
		}
	}

	// No sweep interleaving may leave a timer behind for a deleted job.
	sched.mu.Lock()
	armed := len(sched.timers)
	sched.mu.Unlock()
	if armed != 0 {
		t.Fatalf("%d timers still armed after deleting every job", armed)
	}
	if len(dispatch.sends()) != 0 {
		t.Fatal("deleted jobs must not be delivered")
	}
}

func TestDeleteUnknownJobReportsFalse(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, _ := newTestScheduler(t, dispatch)

	if sched.Delete("alice", "4242") {
		t.Fatal("Delete of unknown job must report false")
	}
}

func TestListPendingFiltersSettledJobs(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, store := newTestScheduler(t, dispatch)

	fired, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "near",
		DueAt:           time.Now().Add(30 * time.Millisecond),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "near",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	far, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "far",
		DueAt:           time.Now().Add(time.Hour),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "far",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitForStatus(t, store, "alice", fired[notify.ChannelWhatsApp], StatusCompleted)

	pending, err := sched.ListPending("alice")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending count = %d, want 1", len(pending))
	}
	if _, ok := pending[far[notify.ChannelWhatsApp]]; !ok {
		t.Fatal("far job missing from pending list")
	}
}

func TestSweepReArmsPersistedJobs(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	store := NewMemoryStore()

	// A pending record from a previous process: no timer exists for it.
	rec := testRecord("1001")
	rec.DueAt = time.Now().Add(30 * time.Millisecond)
	if err := store.Put("alice", rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sched := New(store, NewIDAllocator(1001), dispatch, nil,
		WithSweepInterval(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(sched.Stop)

	waitForStatus(t, store, "alice", "1001", StatusCompleted)
	if len(dispatch.sends()) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(dispatch.sends()))
	}
}

func TestOverdueJobFiresImmediately(t *testing.T) {
	t.Parallel()

	dispatch := &captureDispatcher{}
	sched, store := newTestScheduler(t, dispatch)

	ids, err := sched.Schedule("alice", ScheduleRequest{
		Task:            "already late",
		DueAt:           time.Now().Add(-time.Minute),
		Channels:        []notify.Channel{notify.ChannelWhatsApp},
		ReminderMessage: "late but delivered",
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	waitForStatus(t, store, "alice", ids[notify.ChannelWhatsApp], StatusCompleted)
}
