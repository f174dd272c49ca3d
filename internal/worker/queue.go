package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"manabi-backend/internal/models"
)

const (
	MaterialQueueName = "queue:material-generation"
	jobLockTTL        = 10 * time.Minute
)

// ErrQueueEmpty is returned by Pop when nothing arrived before the timeout.
var ErrQueueEmpty = errors.New("queue empty")

// Queue carries material jobs between the chat path and the workers.
type Queue interface {
	Push(ctx context.Context, job models.MaterialJob) error
	Pop(ctx context.Context, timeout time.Duration) (models.MaterialJob, error)
	// Claim takes the per-job lock so a duplicated job runs once.
	Claim(ctx context.Context, jobID uuid.UUID) (bool, error)
	Release(ctx context.Context, jobID uuid.UUID) error
}

type RedisQueue struct {
	redis *redis.Client
	name  string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{redis: client, name: MaterialQueueName}
}

func (q *RedisQueue) Push(ctx context.Context, job models.MaterialJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	return q.redis.LPush(ctx, q.name, data).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (models.MaterialJob, error) {
	var job models.MaterialJob
	result, err := q.redis.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return job, ErrQueueEmpty
	}
	if err != nil {
		return job, err
	}
	if len(result) < 2 {
		return job, ErrQueueEmpty
	}
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return job, fmt.Errorf("failed to parse job: %w", err)
	}
	return job, nil
}

func jobLockKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job_lock:%s", jobID.String())
}

func (q *RedisQueue) Claim(ctx context.Context, jobID uuid.UUID) (bool, error) {
	return q.redis.SetNX(ctx, jobLockKey(jobID), "1", jobLockTTL).Result()
}

func (q *RedisQueue) Release(ctx context.Context, jobID uuid.UUID) error {
	return q.redis.Del(ctx, jobLockKey(jobID)).Err()
}

// MemoryQueue is an in-process Queue for tests and single-instance runs.
type MemoryQueue struct {
	jobs   chan models.MaterialJob
	mu     sync.Mutex
	claims map[uuid.UUID]bool
}

func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(chan models.MaterialJob, size),
		claims: make(map[uuid.UUID]bool),
	}
}

func (q *MemoryQueue) Push(ctx context.Context, job models.MaterialJob) error {
	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (models.MaterialJob, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job := <-q.jobs:
		return job, nil
	case <-timer.C:
		return models.MaterialJob{}, ErrQueueEmpty
	case <-ctx.Done():
		return models.MaterialJob{}, ctx.Err()
	}
}

func (q *MemoryQueue) Claim(_ context.Context, jobID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claims[jobID] {
		return false, nil
	}
	q.claims[jobID] = true
	return true, nil
}

func (q *MemoryQueue) Release(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claims, jobID)
	return nil
}
