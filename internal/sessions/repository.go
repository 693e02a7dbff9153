package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/merlin-assistant/merlin/internal/database"
)

// Repository defines session persistence operations. At most one session is HQ.
type Repository interface {
	Upsert(ctx context.Context, p UpsertParams) error
	Get(ctx context.Context, sessionID int64) (*Session, error)
	List(ctx context.Context, platform *Platform) ([]Session, error)
	Delete(ctx context.Context, sessionID int64) error
	SetHQ(ctx context.Context, sessionID int64) error
	GetHQ(ctx context.Context) (*Session, error)
	ClearHQ(ctx context.Context) error
}

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const sessionColumns = `session_id, platform, platform_user_id, chat_id, channel_id, guild_id, session_type, is_hq, created_at, updated_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(&s.SessionID, &s.Platform, &s.PlatformUserID, &s.ChatID, &s.ChannelID, &s.GuildID,
		&s.SessionType, &s.IsHQ, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PostgresRepository) Upsert(ctx context.Context, p UpsertParams) error {
	if p.SessionType == "" {
		p.SessionType = TypeDM
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, platform, platform_user_id, chat_id, channel_id, guild_id, session_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO UPDATE SET
		   platform = EXCLUDED.platform,
		   platform_user_id = EXCLUDED.platform_user_id,
		   chat_id = COALESCE(EXCLUDED.chat_id, sessions.chat_id),
		   channel_id = COALESCE(EXCLUDED.channel_id, sessions.channel_id),
		   guild_id = COALESCE(EXCLUDED.guild_id, sessions.guild_id),
		   session_type = EXCLUDED.session_type,
		   updated_at = NOW()`,
		p.SessionID, p.Platform, p.PlatformUserID, nullable(p.ChatID), nullable(p.ChannelID), nullable(p.GuildID), p.SessionType,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	slog.Debug("sessions: upserted", "session_id", p.SessionID, "platform", p.Platform)
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, sessionID int64) (*Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &s, nil
}

// List returns sessions most recently active first, optionally for one platform.
func (r *PostgresRepository) List(ctx context.Context, platform *Platform) ([]Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE $1::TEXT IS NULL OR platform = $1
		 ORDER BY updated_at DESC`,
		platform,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Delete(ctx context.Context, sessionID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetHQ makes sessionID the only HQ session.
func (r *PostgresRepository) SetHQ(ctx context.Context, sessionID int64) error {
	err := database.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE sessions SET is_hq = FALSE WHERE is_hq`); err != nil {
			return fmt.Errorf("clearing HQ: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE sessions SET is_hq = TRUE WHERE session_id = $1`, sessionID)
		if err != nil {
			return fmt.Errorf("setting HQ: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("sessions: HQ set", "session_id", sessionID)
	return nil
}

func (r *PostgresRepository) GetHQ(ctx context.Context) (*Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE is_hq LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting HQ session: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) ClearHQ(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `UPDATE sessions SET is_hq = FALSE WHERE is_hq`); err != nil {
		return fmt.Errorf("clearing HQ: %w", err)
	}
	slog.Info("sessions: HQ cleared")
	return nil
}
