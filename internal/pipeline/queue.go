package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "docuchat:ingest:jobs"

// Queue is a Redis-list job queue. Producers push to the head,
// workers block-pop from the tail, so jobs run in submission order.
type Queue struct {
	rdb *redis.Client
}

// NewQueue creates a job queue on the given Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue appends a job to the queue.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job %s: %w", job.ID, err)
	}
	if err := q.rdb.LPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueuing job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns (nil, nil)
// when the timeout elapses with no job available.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	vals, err := q.rdb.BRPop(ctx, timeout, queueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeuing job: %w", err)
	}
	// BRPOP returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job: %w", err)
	}
	return &job, nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}
	return n, nil
}
