package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository defines schedule persistence operations.
type Repository interface {
	Create(ctx context.Context, s *Schedule) error
	GetByID(ctx context.Context, id int64) (*Schedule, error)
	List(ctx context.Context, userID *int64) ([]Schedule, error)
	Delete(ctx context.Context, id int64) error
	SetEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error
	ListDue(ctx context.Context, now time.Time) ([]Schedule, error)
	MarkRun(ctx context.Context, id int64, lastRun time.Time, nextRun *time.Time, enabled bool) error
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const scheduleColumns = `id, name, cron_expression, run_at, task_type, task_data, user_id, enabled, last_run, next_run, created_at`

func scanSchedule(row pgx.Row) (Schedule, error) {
	var s Schedule
	err := row.Scan(&s.ID, &s.Name, &s.CronExpression, &s.RunAt, &s.TaskType, &s.TaskData,
		&s.UserID, &s.Enabled, &s.LastRun, &s.NextRun, &s.CreatedAt)
	return s, err
}

func collectSchedules(rows pgx.Rows) ([]Schedule, error) {
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Create(ctx context.Context, s *Schedule) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO schedules (name, cron_expression, run_at, task_type, task_data, user_id, enabled, next_run)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		s.Name, s.CronExpression, s.RunAt, s.TaskType, s.TaskData, s.UserID, s.Enabled, s.NextRun,
	).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting schedule: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*Schedule, error) {
	s, err := scanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting schedule: %w", err)
	}
	return &s, nil
}

// List returns schedules newest first, optionally for a single user.
func (r *PostgresRepository) List(ctx context.Context, userID *int64) ([]Schedule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE $1::BIGINT IS NULL OR user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	return collectSchedules(rows)
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled toggles a schedule. A nil nextRun leaves next_run untouched.
func (r *PostgresRepository) SetEnabled(ctx context.Context, id int64, enabled bool, nextRun *time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $2, next_run = COALESCE($3, next_run) WHERE id = $1`,
		id, enabled, nextRun,
	)
	if err != nil {
		return fmt.Errorf("updating schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) ListDue(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		 ORDER BY next_run, id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due schedules: %w", err)
	}
	return collectSchedules(rows)
}

func (r *PostgresRepository) MarkRun(ctx context.Context, id int64, lastRun time.Time, nextRun *time.Time, enabled bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE schedules SET last_run = $2, next_run = $3, enabled = $4 WHERE id = $1`,
		id, lastRun, nextRun, enabled,
	)
	if err != nil {
		return fmt.Errorf("marking schedule run: %w", err)
	}
	return nil
}
