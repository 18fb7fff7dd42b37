// Package pending holds usage whose gated operation already succeeded but whose write failed,
// and retries it until it lands.
package pending

import (
	"sync"
	"time"

	usagedomain "github.com/smallbiznis/meterbill/internal/usage/domain"
)

// Queue is a bounded in-memory retry queue.
type Queue struct {
	mu       sync.Mutex
	items    []usagedomain.PendingUsage
	capacity int
}

func NewQueue(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{capacity: cfg.Capacity}
}

func (q *Queue) Enqueue(item usagedomain.PendingUsage) error {
	if q == nil {
		return usagedomain.ErrPendingUnavailable
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return usagedomain.ErrPendingQueueFull
	}
	q.items = append(q.items, item)
	return nil
}

// Due removes and returns every item whose next attempt is at or before now.
func (q *Queue) Due(now time.Time) []usagedomain.PendingUsage {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []usagedomain.PendingUsage
	kept := q.items[:0]
	for _, item := range q.items {
		if item.NextAttempt.After(now) {
			kept = append(kept, item)
			continue
		}
		due = append(due, item)
	}
	q.items = kept
	return due
}

// Take removes and returns everything regardless of schedule.
func (q *Queue) Take() []usagedomain.PendingUsage {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
