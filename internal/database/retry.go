package database

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	connectAttempts = 5
	connectBackoff  = time.Second
)

// withRetry runs dial until it succeeds, the attempts run out or ctx ends.
// Containers often come up before their database does.
func withRetry(ctx context.Context, log zerolog.Logger, target string, dial func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err = dial(ctx); err == nil {
			return nil
		}
		if attempt == connectAttempts {
			break
		}

		wait := time.Duration(attempt) * connectBackoff
		log.Warn().
			Err(err).
			Str("target", target).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Connection failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
