// Package queue pushes work for the persistence workers and fans out live
// proctoring events, both over Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker enqueues on Redis lists (consumed with BLPop by the workers)
// and publishes on Redis Pub/Sub channels.
type RedisBroker struct {
	rdb *redis.Client
}

// NewRedisBroker creates a RedisBroker.
func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb}
}

// Enqueue appends payload to the tail of the named list.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if err := b.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", queue, err)
	}
	return nil
}

// Publish sends payload to every subscriber of channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe streams payloads published on channel until ctx is done or the
// returned cancel func is called.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan string, func()) {
	ps := b.rdb.Subscribe(ctx, channel)
	out := make(chan string)

	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = ps.Close() }
}

// Len reports how many payloads wait on queue.
func (b *RedisBroker) Len(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", queue, err)
	}
	return n, nil
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// BPop removes the head of queue, waiting up to timeout. ok is false when
// the wait timed out with the queue still empty.
func (b *RedisBroker) BPop(ctx context.Context, queue string, timeout time.Duration) (payload string, ok bool, err error) {
	result, err := b.rdb.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("blpop %s: %w", queue, err)
	}
	if len(result) < 2 {
		return "", false, nil
	}
	return result[1], true, nil
}

// Pop removes the head of queue without waiting.
func (b *RedisBroker) Pop(ctx context.Context, queue string) (payload string, ok bool, err error) {
	payload, err = b.rdb.LPop(ctx, queue).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lpop %s: %w", queue, err)
	}
	return payload, true, nil
}

// Requeue pushes payloads back onto the tail of queue in one round trip.
func (b *RedisBroker) Requeue(ctx context.Context, queue string, payloads ...[]byte) error {
	pipe := b.rdb.Pipeline()
	for _, p := range payloads {
		pipe.RPush(ctx, queue, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue %s: %w", queue, err)
	}
	return nil
}
