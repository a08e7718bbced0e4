// Package worker moves queued submissions and exit events from Redis into
// PostgreSQL.
package worker

import (
	"context"
	"time"
)

// PollTimeout must be >= 1s to satisfy Redis.
const PollTimeout = 1 * time.Second

// Queue is the consumer side of the Redis lists the session service feeds.
type Queue interface {
	BPop(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)
	Pop(ctx context.Context, queue string) (string, bool, error)
	Requeue(ctx context.Context, queue string, payloads ...[]byte) error
}

// pause sleeps for d unless ctx ends first.
func pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
