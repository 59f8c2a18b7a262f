package httputil

import (
	"context"
	"sync/atomic"
)

// Semaphore bounds concurrent operations. The gateway uses one to cap
// in-flight ML inferences and another to cap fire-and-forget decision
// persistence, so a burst of traffic degrades by dropping work instead of
// accumulating goroutines.
type Semaphore struct {
	sem     chan struct{}
	dropped atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity. Non-positive
// capacities fall back to 100.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	return &Semaphore{
		sem: make(chan struct{}, capacity),
	}
}

// TryAcquire takes a slot without blocking. A false return means the
// caller should drop the work; the drop is counted for monitoring.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Acquire blocks for a slot until the context is done. Use this for work
// that must eventually run.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Call exactly once per successful acquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
		// Release without acquire; ignore rather than block.
	}
}

// DroppedCount reports how many TryAcquire calls were refused.
func (s *Semaphore) DroppedCount() int64 {
	return s.dropped.Load()
}

// Available returns the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.sem) - len(s.sem)
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	return len(s.sem)
}

// Stats snapshots the semaphore for health endpoints.
func (s *Semaphore) Stats() SemaphoreStats {
	return SemaphoreStats{
		Capacity:  cap(s.sem),
		InUse:     len(s.sem),
		Available: cap(s.sem) - len(s.sem),
		Dropped:   s.dropped.Load(),
	}
}

// SemaphoreStats is the JSON shape reported by the health endpoint.
type SemaphoreStats struct {
	Capacity  int   `json:"capacity"`
	InUse     int   `json:"in_use"`
	Available int   `json:"available"`
	Dropped   int64 `json:"dropped"`
}
