// Package redis provides a durable analysis queue backed by Redis lists. A
// dequeued task is moved atomically to a processing list and stays there
// until it is acknowledged, so a crash mid-analysis does not lose it.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/seo-scrape-orchestrator/internal/scrape"
)

// DefaultKey is the list holding pending analysis tasks.
const DefaultKey = "reporter:analysis"

// processingSuffix names the list holding dequeued, unacknowledged tasks.
const processingSuffix = ":processing"

// listClient is the subset of the Redis client the queue uses.
type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	BLMove(ctx context.Context, source, destination, srcpos, destpos string, timeout time.Duration) *goredis.StringCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *goredis.StringCmd
	LRem(ctx context.Context, key string, count int64, value interface{}) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Queue pushes tasks with LPUSH and takes them with BLMOVE from the right,
// giving FIFO order.
type Queue struct {
	client       listClient
	key          string
	processing   string
	blockTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]string
}

// New connects to the Redis instance described by url.
func New(ctx context.Context, url, key string) (*Queue, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, key, 0), nil
}

// NewWithClient wraps an existing client. A zero blockTimeout uses one second.
func NewWithClient(client listClient, key string, blockTimeout time.Duration) *Queue {
	if key == "" {
		key = DefaultKey
	}
	if blockTimeout <= 0 {
		blockTimeout = time.Second
	}
	return &Queue{
		client:       client,
		key:          key,
		processing:   key + processingSuffix,
		blockTimeout: blockTimeout,
		inflight:     make(map[string]string),
	}
}

// ProcessingKey returns the list holding unacknowledged tasks.
func (q *Queue) ProcessingKey() string {
	return q.processing
}

// Enqueue appends a task to the list.
func (q *Queue) Enqueue(ctx context.Context, task scrape.AnalysisTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.JobID, err)
	}
	return nil
}

// Dequeue blocks until a task is available or ctx ends. The task stays on
// the processing list until Ack.
func (q *Queue) Dequeue(ctx context.Context) (scrape.AnalysisTask, error) {
	for {
		if err := ctx.Err(); err != nil {
			return scrape.AnalysisTask{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", q.blockTimeout).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return scrape.AnalysisTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			return scrape.AnalysisTask{}, fmt.Errorf("dequeue task: %w", err)
		}
		var task scrape.AnalysisTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			// A payload nobody can decode would be restored forever.
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			return scrape.AnalysisTask{}, fmt.Errorf("decode task: %w", err)
		}
		q.mu.Lock()
		q.inflight[inflightKey(task)] = raw
		q.mu.Unlock()
		return task, nil
	}
}

// Ack removes a dequeued task from the processing list.
func (q *Queue) Ack(ctx context.Context, task scrape.AnalysisTask) error {
	key := inflightKey(task)
	q.mu.Lock()
	raw, ok := q.inflight[key]
	delete(q.inflight, key)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", task.JobID, err)
	}
	return nil
}

// RestoreInFlight moves every unacknowledged task back to the head of the
// queue, oldest first. It is meant for startup, before workers run; with
// several replicas sharing a key a restored task may be analyzed twice and
// the lifecycle discards the second result.
func (q *Queue) RestoreInFlight(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.key, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("restore in-flight tasks: %w", err)
		}
		n++
	}
}

func inflightKey(task scrape.AnalysisTask) string {
	return task.JobID + "/" + strconv.Itoa(task.Attempt)
}

// Ping checks the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
