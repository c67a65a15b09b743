package datasource

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSource struct {
	id             string
	LoadSchemaFunc func(context.Context) (Schema, error)
	QueryFunc      func(context.Context, string, int) (Result, error)
}

func (m *mockSource) ID() string                     { return m.id }
func (m *mockSource) Driver() Driver                 { return DriverDuckDB }
func (m *mockSource) Ping(ctx context.Context) error { return nil }
func (m *mockSource) Close() error                   { return nil }

func (m *mockSource) LoadSchema(ctx context.Context) (Schema, error) {
	return m.LoadSchemaFunc(ctx)
}

func (m *mockSource) Query(ctx context.Context, q string, maxRows int) (Result, error) {
	return m.QueryFunc(ctx, q, maxRows)
}

func newDuckDB(t *testing.T, stmts ...string) *DuckDBSource {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range stmts {
		_, err := db.ExecContext(t.Context(), stmt)
		require.NoError(t, err)
	}
	return NewDuckDBSourceFromDB(testLogger(), "warehouse", db)
}

func TestDatasource_DuckDB_LoadSchema(t *testing.T) {
	t.Parallel()

	src := newDuckDB(t,
		`CREATE TABLE sales (month DATE, region VARCHAR, amount DOUBLE)`,
		`CREATE SCHEMA archive`,
		`CREATE TABLE archive.sales (month DATE, amount DOUBLE)`,
	)

	schema, err := src.LoadSchema(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "warehouse", schema.DataSourceID)
	assert.Equal(t, DriverDuckDB, schema.Driver)

	sales, ok := schema.Table("sales")
	require.True(t, ok)
	assert.Equal(t, []string{"month", "region", "amount"}, sales.ColumnNames())

	archived, ok := schema.Table("archive.sales")
	require.True(t, ok)
	assert.Len(t, archived.Columns, 2)

	_, ok = sales.Column("AMOUNT")
	assert.True(t, ok)
}

func TestDatasource_DuckDB_Query(t *testing.T) {
	t.Parallel()

	src := newDuckDB(t,
		`CREATE TABLE sales (month VARCHAR, amount DOUBLE)`,
		`INSERT INTO sales VALUES ('2024-01', 10), ('2024-02', 12.5), ('2024-03', 9)`,
	)

	t.Run("reads rows", func(t *testing.T) {
		t.Parallel()

		res, err := src.Query(t.Context(), `SELECT month, amount FROM sales ORDER BY month`, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"month", "amount"}, res.ColumnNames())
		require.Equal(t, 3, res.RowCount())
		assert.Equal(t, "2024-01", res.Rows[0][0])
		assert.Equal(t, 12.5, res.Rows[1][1])
		assert.False(t, res.Truncated)
	})

	t.Run("caps rows", func(t *testing.T) {
		t.Parallel()

		res, err := src.Query(t.Context(), `SELECT * FROM sales`, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, res.RowCount())
		assert.True(t, res.Truncated)
	})

	t.Run("engine rejects query", func(t *testing.T) {
		t.Parallel()

		_, err := src.Query(t.Context(), `SELECT nope FROM sales`, 10)
		cause, ok := CauseOf(err)
		require.True(t, ok)
		assert.Equal(t, CauseSyntaxRejectedByEngine, cause)
	})
}

func TestDatasource_Registry(t *testing.T) {
	t.Parallel()

	t.Run("caches schemas", func(t *testing.T) {
		t.Parallel()

		var loads atomic.Int32
		src := &mockSource{id: "a", LoadSchemaFunc: func(context.Context) (Schema, error) {
			loads.Add(1)
			return Schema{DataSourceID: "a", Tables: []Table{{ID: "sales", Columns: []Column{{Name: "amount", Type: "DOUBLE"}}}}}, nil
		}}
		reg, err := NewRegistry(RegistryConfig{Logger: testLogger(), Sources: []Source{src}})
		require.NoError(t, err)
		defer reg.Close()

		for range 3 {
			s, err := reg.Schema(t.Context(), "a")
			require.NoError(t, err)
			assert.Len(t, s.Tables, 1)
		}
		assert.Equal(t, int32(1), loads.Load())

		reg.Invalidate("a")
		_, err = reg.Schema(t.Context(), "a")
		require.NoError(t, err)
		assert.Equal(t, int32(2), loads.Load())
	})

	t.Run("loads several sources in order", func(t *testing.T) {
		t.Parallel()

		mk := func(id string) Source {
			return &mockSource{id: id, LoadSchemaFunc: func(context.Context) (Schema, error) {
				return Schema{DataSourceID: id}, nil
			}}
		}
		reg, err := NewRegistry(RegistryConfig{Logger: testLogger(), Sources: []Source{mk("b"), mk("a"), mk("c")}})
		require.NoError(t, err)
		defer reg.Close()

		schemas, err := reg.Schemas(t.Context(), nil)
		require.NoError(t, err)
		require.Len(t, schemas, 3)
		assert.Equal(t, "a", schemas[0].DataSourceID)
		assert.Equal(t, "b", schemas[1].DataSourceID)
		assert.Equal(t, "c", schemas[2].DataSourceID)
	})

	t.Run("unknown source", func(t *testing.T) {
		t.Parallel()

		reg, err := NewRegistry(RegistryConfig{Logger: testLogger(), Sources: []Source{&mockSource{id: "a"}}})
		require.NoError(t, err)
		defer reg.Close()

		_, err = reg.Schemas(t.Context(), []string{"zzz"})
		require.ErrorIs(t, err, ErrUnknownDataSource)
	})

	t.Run("annotations", func(t *testing.T) {
		t.Parallel()

		src := &mockSource{id: "a", LoadSchemaFunc: func(context.Context) (Schema, error) {
			return Schema{DataSourceID: "a", Tables: []Table{{ID: "sales", Columns: []Column{{Name: "amount"}}}}}, nil
		}}
		reg, err := NewRegistry(RegistryConfig{
			Logger:  testLogger(),
			Sources: []Source{src},
			Annotations: map[string]map[string]Table{
				"a": {"sales": {Description: "Monthly sales", Columns: []Column{{Name: "amount", Description: "USD"}}}},
			},
		})
		require.NoError(t, err)
		defer reg.Close()

		s, err := reg.Schema(t.Context(), "a")
		require.NoError(t, err)
		assert.Equal(t, "Monthly sales", s.Tables[0].Description)
		assert.Equal(t, "USD", s.Tables[0].Columns[0].Description)
		assert.Contains(t, s.Summary(), "- amount (): USD")
	})

	t.Run("duplicate ids", func(t *testing.T) {
		t.Parallel()
		_, err := NewRegistry(RegistryConfig{Logger: testLogger(), Sources: []Source{&mockSource{id: "a"}, &mockSource{id: "a"}}})
		require.Error(t, err)
	})
}

func TestDatasource_Executor(t *testing.T) {
	t.Parallel()

	newExecutor := func(t *testing.T, src Source, timeout time.Duration) *Executor {
		reg, err := NewRegistry(RegistryConfig{Logger: testLogger(), Sources: []Source{src}})
		require.NoError(t, err)
		t.Cleanup(func() { _ = reg.Close() })
		exec, err := NewExecutor(ExecutorConfig{Logger: testLogger(), Registry: reg, Timeout: timeout, MaxRows: 5})
		require.NoError(t, err)
		return exec
	}

	t.Run("passes max rows and records duration", func(t *testing.T) {
		t.Parallel()

		src := &mockSource{id: "a", QueryFunc: func(_ context.Context, q string, maxRows int) (Result, error) {
			assert.Equal(t, 5, maxRows)
			return Result{Columns: []ResultColumn{{Name: "n"}}, Rows: [][]any{{1}}}, nil
		}}
		res, err := newExecutor(t, src, time.Second).Execute(t.Context(), "a", "SELECT 1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.RowCount())
	})

	t.Run("times out even when the driver ignores context", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		defer close(release)
		src := &mockSource{id: "a", QueryFunc: func(context.Context, string, int) (Result, error) {
			<-release
			return Result{}, nil
		}}
		start := time.Now()
		_, err := newExecutor(t, src, 20*time.Millisecond).Execute(t.Context(), "a", "SELECT 1")
		cause, ok := CauseOf(err)
		require.True(t, ok)
		assert.Equal(t, CauseTimeout, cause)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("classifies unstructured errors", func(t *testing.T) {
		t.Parallel()

		src := &mockSource{id: "a", QueryFunc: func(context.Context, string, int) (Result, error) {
			return Result{}, errors.New("write tcp: connection reset by peer")
		}}
		_, err := newExecutor(t, src, time.Second).Execute(t.Context(), "a", "SELECT 1")
		var execErr *ExecError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, CauseConnectionLost, execErr.Cause)
		assert.True(t, execErr.Transient())
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		t.Parallel()

		src := &mockSource{id: "a", QueryFunc: func(ctx context.Context, _ string, _ int) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		}}
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := newExecutor(t, src, time.Second).Execute(ctx, "a", "SELECT 1")
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestDatasource_ClassifyMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  string
		want ErrorCause
	}{
		{"Cannot execute statement of type CREATE in read-only mode", CausePermissionDenied},
		{"permission denied for table sales", CausePermissionDenied},
		{"unexpected EOF", CauseConnectionLost},
		{"Binder Error: column nope not found", CauseSyntaxRejectedByEngine},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, classifyMessage(errors.New(tt.msg)))
		})
	}
}
