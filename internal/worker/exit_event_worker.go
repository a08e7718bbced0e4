package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
)

// ExitEventStore persists the exit audit trail.
type ExitEventStore interface {
	CopyBatch(ctx context.Context, batch []*model.ExitEvent) error
	Insert(ctx context.Context, e *model.ExitEvent) error
}

// ExitEventWorker batches exit events from persist_exit_events_queue into
// PostgreSQL with COPY, falling back to row inserts and requeueing what
// still fails.
type ExitEventWorker struct {
	queue Queue
	repo  ExitEventStore
	log   zerolog.Logger

	requeueBackoff time.Duration
}

func NewExitEventWorker(queue Queue, repo ExitEventStore, log zerolog.Logger) *ExitEventWorker {
	return &ExitEventWorker{
		queue:          queue,
		repo:           repo,
		log:            log.With().Str("component", "exit_event_worker").Logger(),
		requeueBackoff: 2 * time.Second,
	}
}

func (w *ExitEventWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	buffer := make([]*model.ExitEvent, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis
		raw, ok, err := w.queue.BPop(ctx, config.WorkerKey.PersistExitEventsQueue, PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue // shutdown is handled above
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			pause(ctx, 3*time.Second)
			continue
		}
		if !ok {
			continue // queue empty, loop back to check the flush timer
		}

		// 4. Decode
		var ev model.ExitEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
			continue
		}

		if len(buffer) == 0 {
			lastFlushTime = time.Now()
		}
		buffer = append(buffer, &ev)
	}
}

// flushSafe attempts bulk insert, then fallback insert, then requeue.
func (w *ExitEventWorker) flushSafe(ctx context.Context, batch []*model.ExitEvent) {
	if err := w.repo.CopyBatch(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Exit events persisted")
}

func (w *ExitEventWorker) fallbackInsert(ctx context.Context, batch []*model.ExitEvent) {
	requeueList := make([]*model.ExitEvent, 0)

	for _, ev := range batch {
		if err := w.repo.Insert(ctx, ev); err != nil {
			w.log.Error().Err(err).
				Str("user_id", ev.UserID).
				Str("exam_id", ev.ExamID).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, ev)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ExitEventWorker) requeue(ctx context.Context, items []*model.ExitEvent) {
	payloads := make([][]byte, 0, len(items))
	for _, ev := range items {
		data, _ := json.Marshal(ev)
		payloads = append(payloads, data)
	}

	if err := w.queue.Requeue(context.WithoutCancel(ctx), config.WorkerKey.PersistExitEventsQueue, payloads...); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	pause(ctx, w.requeueBackoff)
}

func (w *ExitEventWorker) shutdown(buffer []*model.ExitEvent) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
	w.log.Info().Msg("Worker stopped")
}
