package mcpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockTurns struct {
	HandleTurnFunc func(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event
}

func (m *mockTurns) HandleTurn(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event {
	return m.HandleTurnFunc(ctx, sc, req)
}

type mockSchemas struct {
	SchemasFunc func(ctx context.Context, ids []string) ([]datasource.Schema, error)
}

func (m *mockSchemas) Schemas(ctx context.Context, ids []string) ([]datasource.Schema, error) {
	return m.SchemasFunc(ctx, ids)
}

func replay(events ...stream.Event) *mockTurns {
	return &mockTurns{HandleTurnFunc: func(_ context.Context, sc *conversation.SessionContext, _ stream.Request) <-chan stream.Event {
		out := make(chan stream.Event, len(events))
		for _, ev := range events {
			ev.SessionID = sc.ID()
			out <- ev
		}
		close(out)
		return out
	}}
}

func warehouse() *mockSchemas {
	return &mockSchemas{SchemasFunc: func(_ context.Context, ids []string) ([]datasource.Schema, error) {
		if len(ids) == 1 && ids[0] != "warehouse" {
			return nil, datasource.ErrUnknownDataSource
		}
		return []datasource.Schema{{
			DataSourceID: "warehouse",
			Driver:       datasource.DriverClickHouse,
			Tables: []datasource.Table{{
				ID:          "sales",
				Description: "order lines",
				Columns:     []datasource.Column{{Name: "region", Type: "String"}, {Name: "amount", Type: "Float64"}},
			}},
		}}, nil
	}}
}

func testConfig(t *testing.T, turns TurnHandler) Config {
	t.Helper()
	sessions, err := conversation.NewManager(conversation.ManagerConfig{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(sessions.Close)
	cfg := Config{Logger: testLogger(), Turns: turns, Sessions: sessions, Schemas: warehouse()}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMCPServer_New(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(t, replay()))
	require.NoError(t, err)
	require.NotNil(t, s.Handler())
	require.NotNil(t, s.MCP())

	_, err = New(Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = New(Config{Logger: testLogger(), Turns: replay()})
	require.ErrorContains(t, err, "session getter is required")
}

func TestMCPServer_ToolAsk(t *testing.T) {
	t.Parallel()

	t.Run("result", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, replay(
			stream.Event{Type: stream.EventThinking, Seq: 1, Content: "Working out what you're asking."},
			stream.Event{Type: stream.EventMessage, Seq: 2, Content: "Here is the query I'll run.", Metadata: map[string]any{
				stream.MetaSQL: "SELECT region, SUM(amount) FROM sales GROUP BY region\nLIMIT 1000",
			}},
			stream.Event{Type: stream.EventResult, Seq: 3, Content: "North leads.", Metadata: map[string]any{
				stream.MetaSQL: "SELECT region, SUM(amount) FROM sales GROUP BY region\nLIMIT 1000",
				stream.MetaResult: datasource.Result{
					Columns: []datasource.ResultColumn{{Name: "region", Type: "String"}, {Name: "amount", Type: "Float64"}},
					Rows:    [][]any{{"north", 120.5}, {"south", 80.0}},
				}.Payload(),
				stream.MetaFollowUps: []string{"How about last year?"},
			}},
			stream.Event{Type: stream.EventComplete, Seq: 4, Metadata: map[string]any{stream.MetaStatus: "completed"}},
		))

		out, err := handleAsk(t.Context(), cfg, AskInput{Question: "sales by region", SessionID: "s1"})
		require.NoError(t, err)
		assert.Equal(t, "s1", out.SessionID)
		assert.Equal(t, "completed", out.Status)
		assert.Contains(t, out.SQL, "GROUP BY region")
		assert.Equal(t, "North leads.", out.Narrative)
		assert.Equal(t, []string{"region", "amount"}, out.Columns)
		assert.Equal(t, 2, out.RowCount)
		require.Len(t, out.Rows, 2)
		assert.Equal(t, "north", out.Rows[0]["region"])
		assert.InDelta(t, 120.5, out.Rows[0]["amount"], 0.001)
		assert.Equal(t, []string{"How about last year?"}, out.FollowUps)
		assert.Empty(t, out.Error)
	})

	t.Run("clarification", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, replay(
			stream.Event{Type: stream.EventMessage, Seq: 1, Content: "Which one should I use?", Metadata: map[string]any{
				stream.MetaAwaitingClarification: true,
				stream.MetaCandidates: []conversation.TableCandidate{
					{DataSourceID: "warehouse", TableID: "sales", Score: 0.8},
					{DataSourceID: "warehouse", TableID: "sales_2023", Score: 0.79},
				},
			}},
		))

		out, err := handleAsk(t.Context(), cfg, AskInput{Question: "sales"})
		require.NoError(t, err)
		assert.NotEmpty(t, out.SessionID)
		assert.Equal(t, "Which one should I use?", out.Clarification)
		assert.Equal(t, []string{"sales", "sales_2023"}, out.Candidates)
		assert.Zero(t, out.RowCount)
	})

	t.Run("turn error", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, replay(
			stream.Event{Type: stream.EventError, Seq: 1, Content: "You don't have access to that data.", Metadata: map[string]any{
				stream.MetaErrorKind: "PermissionDenied",
			}},
			stream.Event{Type: stream.EventComplete, Seq: 2, Metadata: map[string]any{stream.MetaStatus: "failed"}},
		))

		out, err := handleAsk(t.Context(), cfg, AskInput{Question: "salaries"})
		require.NoError(t, err)
		assert.Equal(t, "PermissionDenied", out.ErrorKind)
		assert.Equal(t, "failed", out.Status)
	})

	t.Run("invalid input", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, replay())
		_, err := handleAsk(t.Context(), cfg, AskInput{})
		require.ErrorContains(t, err, "content is required")
		_, err = handleAsk(t.Context(), cfg, AskInput{Question: "x", Mode: "essay"})
		require.Error(t, err)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t, &mockTurns{HandleTurnFunc: func(context.Context, *conversation.SessionContext, stream.Request) <-chan stream.Event {
			return make(chan stream.Event)
		}})
		cfg.TurnTimeout = 20 * time.Millisecond
		_, err := handleAsk(t.Context(), cfg, AskInput{Question: "slow"})
		require.ErrorContains(t, err, "did not finish")
	})
}

func TestMCPServer_ToolSchema(t *testing.T) {
	t.Parallel()

	out, err := handleSchema(t.Context(), warehouse(), SchemaInput{})
	require.NoError(t, err)
	require.Len(t, out.Schemas, 1)
	assert.Contains(t, out.Summary, "## Data source: warehouse")
	assert.Contains(t, out.Summary, "sales")
	assert.Contains(t, out.Summary, "amount")

	_, err = handleSchema(t.Context(), warehouse(), SchemaInput{DataSourceIDs: []string{"nope"}})
	require.ErrorIs(t, err, datasource.ErrUnknownDataSource)

	_, err = handleSchema(t.Context(), &mockSchemas{SchemasFunc: func(context.Context, []string) ([]datasource.Schema, error) {
		return nil, errors.New("boom")
	}}, SchemaInput{})
	require.ErrorContains(t, err, "failed to load schemas")
}
