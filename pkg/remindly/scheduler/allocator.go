package scheduler

import (
	"strconv"
	"sync/atomic"
)

// BaseJobID is the floor for allocated job IDs. IDs start above it so they
// never collide with externally meaningful small numbers.
const BaseJobID = 1000

// IDAllocator hands out strictly increasing job IDs shared across all
// senders. The increment is a single atomic add, so concurrent schedule
// requests always receive distinct IDs.
type IDAllocator struct {
	last atomic.Int64
}

// NewIDAllocator creates an allocator that continues from seed, or from
// BaseJobID when seed is lower (fresh store).
func NewIDAllocator(seed int64) *IDAllocator {
	a := &IDAllocator{}
	if seed < BaseJobID {
		seed = BaseJobID
	}
	a.last.Store(seed)
	return a
}

// Next returns the next job ID in string form.
func (a *IDAllocator) Next() string {
	return strconv.FormatInt(a.last.Add(1), 10)
}
