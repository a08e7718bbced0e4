package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const submissionRetryDelay = 5 * time.Second

// SubmissionStore persists finished attempts.
type SubmissionStore interface {
	Insert(ctx context.Context, sub *model.Submission) error
}

// SubmissionWorker consumes persist_submissions_queue and stores each
// submission in PostgreSQL.
type SubmissionWorker struct {
	queue Queue
	repo  SubmissionStore
	log   zerolog.Logger

	retryDelay time.Duration
}

// NewSubmissionWorker creates a new SubmissionWorker.
func NewSubmissionWorker(queue Queue, repo SubmissionStore, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		queue:      queue,
		repo:       repo,
		log:        log.With().Str("component", "submission_worker").Logger(),
		retryDelay: submissionRetryDelay,
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SubmissionWorker) processNext(ctx context.Context) {
	raw, ok, err := w.queue.BPop(ctx, config.WorkerKey.PersistSubmissionsQueue, PollTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
			pause(ctx, time.Second)
		}
		return
	}
	if !ok {
		return
	}

	var sub model.Submission
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		// Malformed payloads can never succeed. Log and discard.
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed submission")
		return
	}

	if err := w.repo.Insert(ctx, &sub); err != nil {
		w.log.Error().Err(err).
			Str("user_id", sub.UserID).
			Str("exam_id", sub.ExamID).
			Msg("Persist error, retrying")
		// Push back to queue for retry.
		if err := w.queue.Requeue(context.WithoutCancel(ctx), config.WorkerKey.PersistSubmissionsQueue, []byte(raw)); err != nil {
			w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue submission. Data loss occurred.")
		}
		pause(ctx, w.retryDelay)
		return
	}

	w.log.Info().
		Str("user_id", sub.UserID).
		Str("exam_id", sub.ExamID).
		Bool("auto_submitted", sub.AutoSubmitted).
		Msg("Submission persisted")
}

// drain processes all remaining items in the queue before shutdown.
func (w *SubmissionWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, ok, err := w.queue.Pop(ctx, config.WorkerKey.PersistSubmissionsQueue)
		if err != nil || !ok {
			break
		}

		var sub model.Submission
		if err := json.Unmarshal([]byte(raw), &sub); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.repo.Insert(ctx, &sub); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			_ = w.queue.Requeue(ctx, config.WorkerKey.PersistSubmissionsQueue, []byte(raw))
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
