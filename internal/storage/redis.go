package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canvas_worker/pkg"

	"github.com/redis/go-redis/v9"
)

const processingInfix = ":processing:"

// RedisQueue implements TaskQueue on Redis lists. Producers LPUSH; a worker
// atomically moves one message into its own processing list and removes it
// from there on acknowledgement.
type RedisQueue struct {
	client   *redis.Client
	workerID string
}

// NewRedisQueue connects to redisURL and verifies the connection
func NewRedisQueue(ctx context.Context, redisURL, workerID string) (*RedisQueue, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisQueueFromClient(client, workerID), nil
}

// NewRedisQueueFromClient wraps an existing client
func NewRedisQueueFromClient(client *redis.Client, workerID string) *RedisQueue {
	return &RedisQueue{client: client, workerID: workerID}
}

// processingKey generates the in-flight list for this worker and source
func (q *RedisQueue) processingKey(source string) string {
	return source + processingInfix + q.workerID
}

// Receive moves one message into the processing list. A zero wait polls
// without blocking.
func (q *RedisQueue) Receive(ctx context.Context, source string, wait time.Duration) (*Delivery, error) {
	var cmd *redis.StringCmd
	if wait > 0 {
		cmd = q.client.BLMove(ctx, source, q.processingKey(source), "RIGHT", "LEFT", wait)
	} else {
		cmd = q.client.LMove(ctx, source, q.processingKey(source), "RIGHT", "LEFT")
	}

	payload, err := cmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to receive from %s: %w", source, err)
	}
	return newDelivery(source, payload), nil
}

// Acknowledge drops the message from the processing list
func (q *RedisQueue) Acknowledge(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processingKey(d.Source), 1, d.Handle).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge on %s: %w", d.Source, err)
	}
	return nil
}

// Enqueue pushes a task onto source
func (q *RedisQueue) Enqueue(ctx context.Context, source string, task pkg.Task) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, source, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue on %s: %w", source, err)
	}
	return nil
}

// RecoverInFlight returns messages left in this worker's processing lists,
// e.g. after a crash, to the consuming end of their sources. The oldest
// recovered message is consumed first.
func (q *RedisQueue) RecoverInFlight(ctx context.Context, sources []string) (int, error) {
	moved := 0
	for _, source := range sources {
		for {
			err := q.client.LMove(ctx, q.processingKey(source), source, "LEFT", "RIGHT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, fmt.Errorf("failed to recover %s: %w", source, err)
			}
			moved++
		}
	}
	return moved, nil
}

// Close closes the Redis connection
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
