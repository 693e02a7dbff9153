//go:build integration

package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/merlin-assistant/merlin/internal/database"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:0.8.1-pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "merlin_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/merlin_test?sslmode=disable", host, port.Port())

	if err := database.RunMigrations(dsn, "../../migrations"); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresRepository_UpsertKeepsKnownFields(t *testing.T) {
	repo := NewPostgresRepository(setupPostgres(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, UpsertParams{
		SessionID: 100, Platform: PlatformDiscord, PlatformUserID: "u1",
		ChannelID: "100", GuildID: "g1", SessionType: TypeChannel,
	}))
	require.NoError(t, repo.Upsert(ctx, UpsertParams{
		SessionID: 100, Platform: PlatformDiscord, PlatformUserID: "u2", SessionType: TypeChannel,
	}))

	s, err := repo.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "u2", s.PlatformUserID)
	require.NotNil(t, s.GuildID)
	assert.Equal(t, "g1", *s.GuildID)
	require.NotNil(t, s.ChannelID)
	assert.Nil(t, s.ChatID)
}

func TestPostgresRepository_SingleHQ(t *testing.T) {
	repo := NewPostgresRepository(setupPostgres(t))
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		require.NoError(t, repo.Upsert(ctx, UpsertParams{SessionID: id, Platform: PlatformTelegram,
			PlatformUserID: fmt.Sprint(id), ChatID: fmt.Sprint(id), SessionType: TypeDM}))
	}

	_, err := repo.GetHQ(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SetHQ(ctx, 1))
	require.NoError(t, repo.SetHQ(ctx, 2))
	hq, err := repo.GetHQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hq.SessionID)

	assert.ErrorIs(t, repo.SetHQ(ctx, 99), ErrNotFound)
	hq, err = repo.GetHQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hq.SessionID, "failed SetHQ rolls back")

	telegram := PlatformTelegram
	list, err := repo.List(ctx, &telegram)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, repo.ClearHQ(ctx))
	_, err = repo.GetHQ(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.Delete(ctx, 1))
	assert.ErrorIs(t, repo.Delete(ctx, 1), ErrNotFound)
}
