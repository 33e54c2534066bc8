package service

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is the in-process fallback dispatcher: an ordered in-memory
// list with the same contract as the Redis queue. Selected at startup when
// Redis is unreachable, so submission keeps working at single-process
// throughput instead of failing outright.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []string
	inflight map[string]time.Time

	// staleAfter is how long a claimed item may sit unacked before
	// RequeueStale moves it back.
	staleAfter time.Duration

	notify chan struct{}
}

func NewMemoryQueue(staleAfter time.Duration) *MemoryQueue {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &MemoryQueue{
		items:      make([]string, 0, 64),
		inflight:   make(map[string]time.Time),
		staleAfter: staleAfter,
		notify:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobID string) error {
	q.mu.Lock()
	q.items = append(q.items, jobID)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) tryClaim() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	q.inflight[id] = time.Now()
	return id, true
}

func (q *MemoryQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if id, ok := q.tryClaim(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", ErrQueueEmpty
		case <-q.notify:
			// something was enqueued, try again
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, jobID string) error {
	q.mu.Lock()
	delete(q.inflight, jobID)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) RequeueStale(_ context.Context, max int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-q.staleAfter)
	var moved int64
	for id, claimedAt := range q.inflight {
		if moved >= max {
			break
		}
		if claimedAt.After(cutoff) {
			continue
		}
		q.items = append(q.items, id)
		delete(q.inflight, id)
		moved++
	}
	return moved, nil
}
