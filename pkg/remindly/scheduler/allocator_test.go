package scheduler

import (
	"strconv"
	"sync"
	"testing"
)

func TestIDAllocatorStartsAboveBase(t *testing.T) {
	t.Parallel()

	alloc := NewIDAllocator(0)
	first := alloc.Next()
	if first != strconv.Itoa(BaseJobID+1) {
		t.Fatalf("first ID = %s, want %d", first, BaseJobID+1)
	}
}

func TestIDAllocatorSeedsFromHighWaterMark(t *testing.T) {
	t.Parallel()

	alloc := NewIDAllocator(2500)
	if got := alloc.Next(); got != "2501" {
		t.Fatalf("Next() = %s, want 2501", got)
	}
}

func TestIDAllocatorClampsLowSeed(t *testing.T) {
	t.Parallel()

	// Seeds below the base must not produce IDs in the reserved range.
	alloc := NewIDAllocator(7)
	if got := alloc.Next(); got != strconv.Itoa(BaseJobID+1) {
		t.Fatalf("Next() = %s, want %d", got, BaseJobID+1)
	}
}

func TestIDAllocatorConcurrentUniqueness(t *testing.T) {
	t.Parallel()

	const (
		workers   = 8
		perWorker = 200
	)

	alloc := NewIDAllocator(0)
	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]string, 0, perWorker)
			for range perWorker {
				ids = append(ids, alloc.Next())
			}
			mu.Lock()
			for _, id := range ids {
				if seen[id] {
					t.Errorf("duplicate ID allocated: %s", id)
				}
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("allocated %d unique IDs, want %d", len(seen), workers*perWorker)
	}
}
