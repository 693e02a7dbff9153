package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/merlin-assistant/merlin/internal/database"
)

// Repository defines memory persistence operations. All similarity values are
// cosine similarity in [-1, 1].
type Repository interface {
	Insert(ctx context.Context, mem *Memory) (int64, error)
	Nearest(ctx context.Context, userID int64, embedding []float32) (*Memory, float64, error)
	Search(ctx context.Context, userID int64, embedding []float32, limit int) ([]Memory, error)
	Touch(ctx context.Context, ids []int64, at time.Time) error
	EnforceLimit(ctx context.Context, userID int64, max int, keepID int64) (int, error)
	ListRecent(ctx context.Context, userID int64, limit int) ([]Memory, error)
	ListForConsolidation(ctx context.Context, userID int64) ([]Memory, error)
	Count(ctx context.Context, userID int64) (int, error)
	Delete(ctx context.Context, id int64) error
	DeleteByUser(ctx context.Context, userID int64) (int, error)
	ReplaceCluster(ctx context.Context, userID int64, ids []int64, replacement *Memory) (int64, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	ExpiryCandidates(ctx context.Context, cutoff time.Time) ([]UserExpiry, error)
	DeleteExpired(ctx context.Context, userID int64, cutoff time.Time, limit int) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// PostgresRepository implements Repository using pgx + pgvector.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new memory repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const memoryColumns = `id, user_id, content, category, importance, created_at, last_accessed`

func scanMemory(row pgx.Row, extra ...any) (Memory, error) {
	var m Memory
	dest := append([]any{&m.ID, &m.UserID, &m.Content, &m.Category, &m.Importance, &m.CreatedAt, &m.LastAccessed}, extra...)
	err := row.Scan(dest...)
	return m, err
}

func collectMemories(rows pgx.Rows, withDistance bool) ([]Memory, error) {
	defer rows.Close()

	var memories []Memory
	for rows.Next() {
		var distance float64
		var extra []any
		if withDistance {
			extra = append(extra, &distance)
		}
		m, err := scanMemory(rows, extra...)
		if err != nil {
			return nil, fmt.Errorf("scanning memory: %w", err)
		}
		m.Distance = distance
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func insertMemory(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, mem *Memory) (int64, error) {
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO memories (user_id, content, category, importance, embedding, created_at, last_accessed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		mem.UserID, mem.Content, mem.Category, mem.Importance, pgvector.NewVector(mem.Embedding), mem.CreatedAt, mem.LastAccessed,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting memory: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) Insert(ctx context.Context, mem *Memory) (int64, error) {
	id, err := insertMemory(ctx, r.pool, mem)
	if err != nil {
		return 0, err
	}
	mem.ID = id
	return id, nil
}

// Nearest returns the user's closest memory and its similarity, or nil when
// the user has none.
func (r *PostgresRepository) Nearest(ctx context.Context, userID int64, embedding []float32) (*Memory, float64, error) {
	var similarity float64
	m, err := scanMemory(r.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM memories
		 WHERE user_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT 1`,
		pgvector.NewVector(embedding), userID,
	), &similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("finding nearest memory: %w", err)
	}
	return &m, similarity, nil
}

func (r *PostgresRepository) Search(ctx context.Context, userID int64, embedding []float32, limit int) ([]Memory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+memoryColumns+`, embedding <=> $1 AS distance
		 FROM memories
		 WHERE user_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(embedding), userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching memories: %w", err)
	}
	return collectMemories(rows, true)
}

func (r *PostgresRepository) Touch(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `UPDATE memories SET last_accessed = $2 WHERE id = ANY($1)`, ids, at); err != nil {
		return fmt.Errorf("touching memories: %w", err)
	}
	return nil
}

// EnforceLimit deletes the least important, least recently read rows beyond
// max. keepID is never deleted.
func (r *PostgresRepository) EnforceLimit(ctx context.Context, userID int64, max int, keepID int64) (int, error) {
	count, err := r.Count(ctx, userID)
	if err != nil {
		return 0, err
	}
	if count <= max {
		return 0, nil
	}

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM memories WHERE id IN (
		   SELECT id FROM memories
		   WHERE user_id = $1 AND id <> $2
		   ORDER BY importance ASC, last_accessed ASC
		   LIMIT $3)`,
		userID, keepID, count-max,
	)
	if err != nil {
		return 0, fmt.Errorf("enforcing memory limit: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) ListRecent(ctx context.Context, userID int64, limit int) ([]Memory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+memoryColumns+`
		 FROM memories
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing recent memories: %w", err)
	}
	return collectMemories(rows, false)
}

func (r *PostgresRepository) ListForConsolidation(ctx context.Context, userID int64) ([]Memory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+memoryColumns+`
		 FROM memories
		 WHERE user_id = $1
		 ORDER BY category, created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing memories for consolidation: %w", err)
	}
	return collectMemories(rows, false)
}

func (r *PostgresRepository) Count(ctx context.Context, userID int64) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting memories: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID int64) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("deleting user memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ReplaceCluster deletes ids and inserts replacement in one transaction. If
// any id is already gone the transaction is rolled back with ErrClusterChanged.
func (r *PostgresRepository) ReplaceCluster(ctx context.Context, userID int64, ids []int64, replacement *Memory) (int64, error) {
	var newID int64
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM memories WHERE user_id = $1 AND id = ANY($2)`, userID, ids)
		if err != nil {
			return fmt.Errorf("deleting cluster: %w", err)
		}
		if int(tag.RowsAffected()) != len(ids) {
			return ErrClusterChanged
		}
		newID, err = insertMemory(ctx, tx, replacement)
		return err
	})
	if err != nil {
		return 0, err
	}
	replacement.ID = newID
	return newID, nil
}

func (r *PostgresRepository) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT user_id FROM memories ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("listing memory users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning memory users: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepository) ExpiryCandidates(ctx context.Context, cutoff time.Time) ([]UserExpiry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, COUNT(*), COUNT(*) FILTER (WHERE last_accessed < $1)
		 FROM memories
		 GROUP BY user_id
		 HAVING COUNT(*) FILTER (WHERE last_accessed < $1) > 0`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("querying expiry candidates: %w", err)
	}
	defer rows.Close()

	var out []UserExpiry
	for rows.Next() {
		var u UserExpiry
		if err := rows.Scan(&u.UserID, &u.Total, &u.Expired); err != nil {
			return nil, fmt.Errorf("scanning expiry candidate: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) DeleteExpired(ctx context.Context, userID int64, cutoff time.Time, limit int) (int, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM memories WHERE id IN (
		   SELECT id FROM memories
		   WHERE user_id = $1 AND last_accessed < $2
		   ORDER BY importance ASC, last_accessed ASC
		   LIMIT $3)`,
		userID, cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PostgresRepository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT user_id), MIN(created_at) FROM memories`,
	).Scan(&s.TotalMemories, &s.TotalUsers, &s.OldestMemory)
	if err != nil {
		return Stats{}, fmt.Errorf("querying memory stats: %w", err)
	}
	s.AvgPerUser = averagePerUser(s.TotalMemories, s.TotalUsers)
	return s, nil
}

// averagePerUser rounds to one decimal.
func averagePerUser(total, users int) float64 {
	if users == 0 {
		return 0
	}
	return math.Round(float64(total)/float64(users)*10) / 10
}
