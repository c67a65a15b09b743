package history_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/history"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func turns() []conversation.Turn {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []conversation.Turn{
		{ID: "t1", Role: conversation.RoleUser, Content: "sales by region", Intent: conversation.IntentQuery, Status: conversation.StatusCompleted, Timestamp: ts},
		{ID: "t2", Role: conversation.RoleAssistant, Content: "North leads.", Status: conversation.StatusCompleted, Timestamp: ts,
			SQL: "SELECT region, SUM(amount) FROM sales GROUP BY region", DataSourceID: "warehouse", Tables: []string{"sales"}},
	}
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, store history.Store) {
	t.Helper()
	ctx := t.Context()

	loaded, err := store.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	for _, turn := range turns() {
		require.NoError(t, store.Append(ctx, "s1", turn))
	}
	require.NoError(t, store.Append(ctx, "s2", turns()[0]))

	loaded, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, turns(), loaded)

	updated := turns()[0]
	updated.Content = "sales by region, edited"
	require.NoError(t, store.Append(ctx, "s1", updated))
	loaded, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "sales by region, edited", loaded[0].Content)
	assert.Equal(t, "t2", loaded[1].ID)

	require.NoError(t, store.Delete(ctx, "s1"))
	loaded, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	loaded, err = store.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	require.ErrorIs(t, store.Append(ctx, "", turns()[0]), history.ErrInvalidSessionID)
}

func TestHistory_MemoryStore(t *testing.T) {
	t.Parallel()

	store := history.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestHistory_MemoryStore_RestoresManagerSessions(t *testing.T) {
	t.Parallel()

	store := history.NewMemoryStore()
	for _, turn := range turns() {
		require.NoError(t, store.Append(t.Context(), "s1", turn))
	}
	m, err := conversation.NewManager(conversation.ManagerConfig{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		History: store,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	sc, err := m.Get(t.Context(), "s1")
	require.NoError(t, err)
	assert.Len(t, sc.Turns(), 2)
	sel, ok := sc.Selection()
	require.True(t, ok)
	assert.Equal(t, []string{"sales"}, sel.Tables)
}

func TestHistory_PostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	store, err := history.NewPostgresStore(ctx, history.PostgresConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		DSN:    dsn,
	})
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)

	// migrations are idempotent
	again, err := history.NewPostgresStore(ctx, history.PostgresConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		DSN:    dsn,
	})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestHistory_PostgresConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := history.PostgresConfig{}
	require.ErrorContains(t, cfg.Validate(), "logger is required")

	cfg = history.PostgresConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	require.ErrorContains(t, cfg.Validate(), "dsn is required")

	cfg.DSN = "postgres://localhost/db"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int32(10), cfg.MaxConns)
}
