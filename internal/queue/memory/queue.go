// Package memory provides in-process job queues and crawl frontiers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueClosed is returned once Close has been called.
var ErrQueueClosed = errors.New("queue closed")

// JobQueue is a bounded in-memory queue of job ids with context-aware operations.
type JobQueue struct {
	ch        chan string
	done      chan struct{}
	closeOnce sync.Once
}

// NewJobQueue constructs a queue with the provided capacity.
func NewJobQueue(capacity int) *JobQueue {
	return &JobQueue{
		ch:   make(chan string, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a job id or returns if the context ends first.
func (q *JobQueue) Enqueue(ctx context.Context, jobID string) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- jobID:
		return nil
	}
}

// Dequeue pops the next job id, respecting context cancellation.
func (q *JobQueue) Dequeue(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return "", ErrQueueClosed
	case id := <-q.ch:
		return id, nil
	}
}

// Len returns the number of queued ids.
func (q *JobQueue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending and future calls return ErrQueueClosed.
func (q *JobQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
