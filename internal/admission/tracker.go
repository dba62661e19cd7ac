// Package admission bounds concurrent WebSocket connections before any
// upgrade work runs: a global semaphore caps the whole instance, a per-IP
// tracker caps each source address, and a tiered gate composes the checks
// cheapest-first.
package admission

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// trackerShards is the shard count for the per-IP connection tracker.
// Sharded locking keeps admission from serializing on one mutex under
// connection storms.
const trackerShards = 64

// Tracker counts concurrent connections per source IP and refuses
// acquisitions past the configured cap. Entries are deleted when their
// count reaches zero, so memory is proportional to distinct active IPs.
type Tracker struct {
	max    atomic.Int64 // 0 disables the cap
	shards [trackerShards]trackerShard
}

type trackerShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewTracker creates a tracker with the given per-IP cap. A cap of 0
// disables per-IP counting (Acquire always succeeds).
func NewTracker(maxPerIP int64) *Tracker {
	t := &Tracker{}
	t.max.Store(maxPerIP)
	for i := range t.shards {
		t.shards[i].counts = make(map[string]int64)
	}
	return t
}

func (t *Tracker) shard(ip string) *trackerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ip))
	return &t.shards[h.Sum32()%trackerShards]
}

// Acquire reserves a connection slot for ip. Returns false when the IP is
// already at its cap; the caller must not call Release in that case.
func (t *Tracker) Acquire(ip string) bool {
	max := t.max.Load()

	s := t.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	if max > 0 && s.counts[ip] >= max {
		return false
	}
	s.counts[ip]++
	return true
}

// Release returns a previously acquired slot. The entry is removed entirely
// when its count reaches zero.
func (t *Tracker) Release(ip string) {
	s := t.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.counts[ip]; ok {
		if n <= 1 {
			delete(s.counts, ip)
		} else {
			s.counts[ip] = n - 1
		}
	}
}

// Count returns the active connection count for ip.
func (t *Tracker) Count(ip string) int64 {
	s := t.shard(ip)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[ip]
}

// Len returns the number of distinct IPs with at least one connection.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.counts)
		s.mu.Unlock()
	}
	return n
}

// SetMax updates the per-IP cap. Existing connections above a lowered cap
// are not evicted; the cap applies to new acquisitions only.
func (t *Tracker) SetMax(maxPerIP int64) {
	t.max.Store(maxPerIP)
}

// Max returns the current per-IP cap.
func (t *Tracker) Max() int64 {
	return t.max.Load()
}
