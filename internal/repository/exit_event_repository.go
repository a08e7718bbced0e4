package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var exitEventColumns = []string{"exam_id", "user_id", "kind", "exit_count", "threshold", "recorded_at"}

// ExitEventRepository stores the focus-loss audit trail.
type ExitEventRepository struct {
	pool *pgxpool.Pool
}

// NewExitEventRepository creates a new ExitEventRepository.
func NewExitEventRepository(pool *pgxpool.Pool) *ExitEventRepository {
	return &ExitEventRepository{pool: pool}
}

// CopyBatch bulk-loads events with COPY. The whole batch fails together.
func (r *ExitEventRepository) CopyBatch(ctx context.Context, batch []*model.ExitEvent) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, e := range batch {
		rows = append(rows, []interface{}{
			e.ExamID, e.UserID, e.Kind, e.Count, e.Threshold, e.RecordedAt,
		})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"exam_exit_events"},
		exitEventColumns,
		pgx.CopyFromRows(rows),
	)
	return err
}

// Insert stores a single event.
func (r *ExitEventRepository) Insert(ctx context.Context, e *model.ExitEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_exit_events (exam_id, user_id, kind, exit_count, threshold, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ExamID, e.UserID, e.Kind, e.Count, e.Threshold, e.RecordedAt,
	)
	return err
}
