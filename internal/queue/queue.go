package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrDuplicate is returned when a job with the same dedup key is already
// enqueued or running.
var ErrDuplicate = errors.New("queue: duplicate job")

// ErrEmpty is returned by Dequeue when no job arrived within the block
// timeout.
var ErrEmpty = errors.New("queue: no job available")

const (
	queuePrefix   = "press:queue:"
	delayedPrefix = "press:delayed:"
	dedupPrefix   = "press:dedup:"
	flagPrefix    = "press:flag:"
)

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DedupKey   string          `json:"dedup_key,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is a Redis backed job queue with named queues, optional
// deduplication and delayed delivery via a per-queue sorted set.
type Queue struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(addr, password string, db int, logger *slog.Logger) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &Queue{client: client, logger: logger}, nil
}

// Close releases the underlying connection.
func (q *Queue) Close() {
	if q.client != nil {
		_ = q.client.Close()
	}
}

// Enqueue pushes a job onto the named queue. A non-empty dedupKey claims a
// SETNX slot for dedupTTL; a second enqueue under the same key within the
// window returns ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, queue, action string, payload any, dedupKey string, dedupTTL time.Duration) (string, error) {
	if dedupKey != "" {
		ok, err := q.client.SetNX(ctx, dedupPrefix+dedupKey, "1", dedupTTL).Result()
		if err != nil {
			return "", fmt.Errorf("claim dedup key: %w", err)
		}
		if !ok {
			return "", ErrDuplicate
		}
	}
	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Action:     action,
		DedupKey:   dedupKey,
		EnqueuedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal job payload: %w", err)
		}
		job.Payload = raw
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, queuePrefix+queue, encoded).Err(); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}
	return job.ID, nil
}

// EnqueueAt schedules a job for delivery at or after runAt. Delayed jobs
// sit in a sorted set scored by their due time and are promoted by
// PromoteDelayed.
func (q *Queue) EnqueueAt(ctx context.Context, queue, action string, payload any, runAt time.Time) (string, error) {
	job := Job{
		ID:         uuid.NewString(),
		Queue:      queue,
		Action:     action,
		EnqueuedAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshal job payload: %w", err)
		}
		job.Payload = raw
	}
	encoded, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	member := redis.Z{Score: float64(runAt.UTC().Unix()), Member: encoded}
	if err := q.client.ZAdd(ctx, delayedPrefix+queue, member).Err(); err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return job.ID, nil
}

// PromoteDelayed moves due jobs from the delayed set onto the live queue.
// Returns the number promoted.
func (q *Queue) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int, error) {
	key := delayedPrefix + queue
	max := strconv.FormatInt(now.UTC().Unix(), 10)
	members, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed jobs: %w", err)
	}
	promoted := 0
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, key, member).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed job: %w", err)
		}
		if removed == 0 {
			// Another promoter won the race for this member.
			continue
		}
		if err := q.client.LPush(ctx, queuePrefix+queue, member).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue blocks up to timeout waiting for a job on any of the named
// queues, in priority order.
func (q *Queue) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*Job, error) {
	keys := make([]string, len(queues))
	for i, name := range queues {
		keys[i] = queuePrefix + name
	}
	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("pop job: %w", err)
	}
	// BRPop returns [key, value].
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// ReleaseDedup frees the job's dedup slot so an identical job can be
// enqueued again. Called when the job finishes.
func (q *Queue) ReleaseDedup(ctx context.Context, job *Job) {
	if job.DedupKey == "" {
		return
	}
	if err := q.client.Del(ctx, dedupPrefix+job.DedupKey).Err(); err != nil {
		q.logger.Error("release dedup key failed", "key", job.DedupKey, "error", err)
	}
}

// SetFlag sets a named boolean flag, such as the suspended builds switch.
func (q *Queue) SetFlag(ctx context.Context, name string, on bool) error {
	if on {
		return q.client.Set(ctx, flagPrefix+name, "1", 0).Err()
	}
	return q.client.Del(ctx, flagPrefix+name).Err()
}

// Flag reads a named boolean flag. A missing key reads as false.
func (q *Queue) Flag(ctx context.Context, name string) (bool, error) {
	_, err := q.client.Get(ctx, flagPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
