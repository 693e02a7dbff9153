package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, params ListParams) ([]Entry, int64, error)
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Insert stores e and fills in its ID. A zero CreatedAt becomes now.
func (r *PostgresRepository) Insert(ctx context.Context, e *Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO activity_log (kind, event_type, user_id, task_id, platform, affected, duration_seconds, error, created_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9)
		 RETURNING id`,
		e.Kind, e.EventType, e.UserID, e.TaskID, e.Platform, e.Affected, e.DurationSeconds, e.Error, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("inserting activity entry: %w", err)
	}
	return nil
}

// List returns one page of entries, newest first, and the total match count.
func (r *PostgresRepository) List(ctx context.Context, params ListParams) ([]Entry, int64, error) {
	params = params.normalized()
	where, args := buildFilter(params)

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM activity_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting activity entries: %w", err)
	}

	query := fmt.Sprintf(
		`SELECT id, kind, event_type, user_id, COALESCE(task_id, ''), COALESCE(platform, ''), affected,
		        duration_seconds, COALESCE(error, ''), created_at
		 FROM activity_log%s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, params.PageSize, (params.Page-1)*params.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying activity entries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Kind, &e.EventType, &e.UserID, &e.TaskID, &e.Platform, &e.Affected,
			&e.DurationSeconds, &e.Error, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning activity entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating activity entries: %w", err)
	}
	return entries, total, nil
}

// buildFilter renders the WHERE clause for params with positional args.
func buildFilter(params ListParams) (string, []any) {
	var conditions []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if params.UserID != nil {
		add("user_id = $%d", *params.UserID)
	}
	if params.Kind != "" {
		add("kind = $%d", string(params.Kind))
	}
	if params.EventType != "" {
		add("event_type = $%d", params.EventType)
	}
	if params.From != nil {
		add("created_at >= $%d", *params.From)
	}
	if params.To != nil {
		add("created_at <= $%d", *params.To)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
