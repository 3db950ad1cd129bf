// Package memory provides an in-process analysis queue for single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = scrape.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan scrape.AnalysisTask
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch:   make(chan scrape.AnalysisTask, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task scrape.AnalysisTask) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (scrape.AnalysisTask, error) {
	select {
	case <-ctx.Done():
		return scrape.AnalysisTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return scrape.AnalysisTask{}, ErrClosed
	case task := <-q.ch:
		return task, nil
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Buffered tasks are dropped.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	return nil
}
