package scheduler

import (
	"database/sql"
	"testing"
	"time"

	"github.com/remindlab/remindly/pkg/remindly/notify"
)

func testRecord(id string) Record {
	return Record{
		JobID:       id,
		Task:        "water the plants",
		Channel:     notify.ChannelWhatsApp,
		ScheduledAt: time.Now().UTC().Truncate(time.Second),
		DueAt:       time.Now().UTC().Add(time.Hour).Truncate(time.Second),
		Status:      StatusPending,
		Payload:     notify.Payload{To: "15551234567", Message: "water the plants"},
	}
}

// storeFactories lets every contract test run against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) StatusStore {
	return map[string]func(t *testing.T) StatusStore{
		"memory": func(_ *testing.T) StatusStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) StatusStore {
			db, err := sql.Open("sqlite3", ":memory:")
			if err != nil {
				t.Fatalf("opening sqlite: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			store, err := NewSQLiteStore(db)
			if err != nil {
				t.Fatalf("creating store: %v", err)
			}
			return store
		},
	}
}

func TestStorePutGet(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)

			rec := testRecord("1001")
			if err := store.Put("alice", rec); err != nil {
				t.Fatalf("Put: %v", err)
			}

			got, ok, err := store.Get("alice", "1001")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if !ok {
				t.Fatal("record not found after Put")
			}
			if got.Task != rec.Task || got.Status != StatusPending || got.Channel != rec.Channel {
				t.Fatalf("Get returned %+v, want %+v", got, rec)
			}

			// Partitions are isolated per sender.
			if _, ok, _ := store.Get("bob", "1001"); ok {
				t.Fatal("record leaked into another sender's partition")
			}
		})
	}
}

func TestStoreTransition(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)

			if err := store.Put("alice", testRecord("1001")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			changed, err := store.Transition("alice", "1001", StatusCompleted, StatusPending)
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if !changed {
				t.Fatal("pending record should transition to completed")
			}

			// A completed record is not pending anymore; the guarded
			// transition must refuse.
			changed, err = store.Transition("alice", "1001", StatusFailed, StatusPending)
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if changed {
				t.Fatal("completed record must not transition from pending")
			}

			got, _, _ := store.Get("alice", "1001")
			if got.Status != StatusCompleted {
				t.Fatalf("status = %s, want completed", got.Status)
			}
		})
	}
}

func TestStoreDeletedIsNeverResurrected(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)

			if err := store.Put("alice", testRecord("1001")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if _, err := store.Transition("alice", "1001", StatusDeleted, StatusPending); err != nil {
				t.Fatalf("Transition to deleted: %v", err)
			}

			// A late fire reports completion with a pending guard; the
			// deleted record must stay deleted.
			changed, err := store.Transition("alice", "1001", StatusCompleted, StatusPending)
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if changed {
				t.Fatal("deleted record must not be overwritten")
			}

			got, _, _ := store.Get("alice", "1001")
			if got.Status != StatusDeleted {
				t.Fatalf("status = %s, want deleted", got.Status)
			}
		})
	}
}

func TestStoreTransitionUnknownJob(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)

			changed, err := store.Transition("alice", "9999", StatusCompleted, StatusPending)
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if changed {
				t.Fatal("unknown job must not report a change")
			}
		})
	}
}

func TestStoreSendersAndMaxJobID(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := factory(t)

			if max, err := store.MaxJobID(); err != nil || max != 0 {
				t.Fatalf("empty store MaxJobID = %d, %v; want 0, nil", max, err)
			}

			if err := store.Put("alice", testRecord("1001")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put("alice", testRecord("1003")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put("bob", testRecord("1002")); err != nil {
				t.Fatalf("Put: %v", err)
			}

			senders, err := store.Senders()
			if err != nil {
				t.Fatalf("Senders: %v", err)
			}
			if len(senders) != 2 {
				t.Fatalf("Senders = %v, want 2 entries", senders)
			}

			max, err := store.MaxJobID()
			if err != nil {
				t.Fatalf("MaxJobID: %v", err)
			}
			if max != 1003 {
				t.Fatalf("MaxJobID = %d, want 1003", max)
			}

			recs, err := store.List("alice")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("List returned %d records, want 2", len(recs))
			}
		})
	}
}
