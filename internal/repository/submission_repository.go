package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository stores finished attempts.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Insert stores a submission. Re-inserting the same submission is a no-op,
// so a payload requeued after a partial failure is never stored twice.
func (r *SubmissionRepository) Insert(ctx context.Context, sub *model.Submission) error {
	answers, err := json.Marshal(sub.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO exam_submissions
		   (exam_id, user_id, answers, duration_seconds, auto_submitted, exit_count, submitted_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		 ON CONFLICT (exam_id, user_id, submitted_at) DO NOTHING`,
		sub.ExamID, sub.UserID, string(answers), sub.DurationSeconds, sub.AutoSubmitted, sub.ExitCount, sub.SubmittedAt,
	)
	return err
}
