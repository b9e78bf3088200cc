package orchestrator

import (
	"context"
	"sync"

	"shapool/internal/job"
)

// Item is the internal work queue's tagged variant, spec.md §3: either a
// Job or a SetDifficulty notice.
type Item struct {
	Job           *job.Built
	SetDifficulty *uint64
}

// JobItem wraps a built job as a queue item.
func JobItem(j *job.Built) Item { return Item{Job: j} }

// SetDifficultyItem wraps a difficulty value as a queue item.
func SetDifficultyItem(difficulty uint64) Item {
	return Item{SetDifficulty: &difficulty}
}

// Queue is the receive loop's to worker loop's internal work queue.
// Job items are FIFO among themselves and SetDifficulty items are FIFO
// among themselves; PurgeJobs removes Job items while preserving the
// relative order of everything else, per spec.md §8 scenario 4.
type Queue struct {
	mu    sync.Mutex
	items []Item
	wake  chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends item to the tail of the queue.
func (q *Queue) Push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) tryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Pop blocks until an item is available or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}
		select {
		case <-q.wake:
			continue
		case <-ctx.Done():
			return Item{}, ctx.Err()
		}
	}
}

// PurgeJobs removes every Job item, preserving the original relative
// order of non-Job items, per spec.md §4.6's clean_jobs handling.
func (q *Queue) PurgeJobs() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, item := range q.items {
		if item.Job == nil {
			kept = append(kept, item)
		}
	}
	q.items = kept
}

// Len reports the current queue length, for diagnostics and tests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
