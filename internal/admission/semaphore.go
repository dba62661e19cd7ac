package admission

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Semaphore caps concurrent connections for the whole instance. Acquisition
// never blocks: at the ceiling, TryAcquire fails immediately so the caller
// can reject with a retry hint instead of queueing connections.
type Semaphore struct {
	sem      *semaphore.Weighted
	capacity int64
	active   atomic.Int64
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int64) *Semaphore {
	return &Semaphore{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// TryAcquire attempts to reserve one slot without blocking. On success the
// returned Permit must be released exactly when the connection ends; the
// Permit tolerates duplicate Release calls.
func (s *Semaphore) TryAcquire() (*Permit, bool) {
	if !s.sem.TryAcquire(1) {
		return nil, false
	}
	s.active.Add(1)
	return &Permit{sem: s}, true
}

// Active returns the number of currently held slots.
func (s *Semaphore) Active() int64 {
	return s.active.Load()
}

// Capacity returns the configured ceiling.
func (s *Semaphore) Capacity() int64 {
	return s.capacity
}

// Occupancy returns the active/capacity ratio in [0, 1].
func (s *Semaphore) Occupancy() float64 {
	return float64(s.active.Load()) / float64(s.capacity)
}

// Permit is a held semaphore slot. Release is idempotent so lifecycle
// paths that can overlap (read error, heartbeat timeout, server drain)
// cannot double-free a slot.
type Permit struct {
	sem  *Semaphore
	once sync.Once
}

// Release returns the slot. Safe to call multiple times.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.sem.active.Add(-1)
		p.sem.sem.Release(1)
	})
}
