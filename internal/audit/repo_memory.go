package audit

import (
	"context"
	"sync"
)

// DefaultCapacity is how many events a MemoryRepo keeps.
const DefaultCapacity = 500

// MemoryRepo is a bounded append-only ring. Once full, the oldest event is
// dropped for each new one.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewMemoryRepo(capacity int) *MemoryRepo {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryRepo{events: make([]Event, capacity)}
}

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
	return nil
}

// Recent returns up to limit events, newest first. limit <= 0 returns all.
func (r *MemoryRepo) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.events)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.events)) % len(r.events)
		out = append(out, r.events[idx])
	}
	return out
}
