package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/duckdb/duckdb-go/v2"
)

const duckDBDefaultSchema = "main"

// DuckDBSource runs queries against a DuckDB database through database/sql.
type DuckDBSource struct {
	log *slog.Logger
	id  string
	db  *sql.DB
}

// NewDuckDBSource opens the database at dsn. An empty dsn opens an in-memory
// database.
func NewDuckDBSource(log *slog.Logger, id string, dsn string) (*DuckDBSource, error) {
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	return NewDuckDBSourceFromDB(log, id, db), nil
}

func NewDuckDBSourceFromDB(log *slog.Logger, id string, db *sql.DB) *DuckDBSource {
	return &DuckDBSource{log: log, id: id, db: db}
}

func (s *DuckDBSource) ID() string     { return s.id }
func (s *DuckDBSource) Driver() Driver { return DriverDuckDB }

func (s *DuckDBSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DuckDBSource) Close() error {
	return s.db.Close()
}

func (s *DuckDBSource) LoadSchema(ctx context.Context) (Schema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT table_schema, table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
		ORDER BY table_schema, table_name, ordinal_position`)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to query duckdb schema: %w", err)
	}
	defer rows.Close()

	var listing []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.schema, &r.table, &r.column, &r.dataType); err != nil {
			return Schema{}, fmt.Errorf("failed to scan schema row: %w", err)
		}
		listing = append(listing, r)
	}
	if err := rows.Err(); err != nil {
		return Schema{}, fmt.Errorf("error iterating schema rows: %w", err)
	}
	return Schema{DataSourceID: s.id, Driver: DriverDuckDB, Tables: buildTables(listing, duckDBDefaultSchema)}, nil
}

func (s *DuckDBSource) Query(ctx context.Context, query string, maxRows int) (Result, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return Result{}, &ExecError{Cause: CauseConnectionLost, Err: err}
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return Result{}, s.wrapError(ctx, err)
	}
	defer rows.Close()

	result, err := scanSQLRows(rows, maxRows)
	if err != nil {
		return Result{}, s.wrapError(ctx, err)
	}
	return result, nil
}

func (s *DuckDBSource) wrapError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExecError{Cause: CauseTimeout, Err: err}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return &ExecError{Cause: CauseConnectionLost, Err: err}
	}
	return &ExecError{Cause: classifyMessage(err), Err: err}
}

func scanSQLRows(rows *sql.Rows, maxRows int) (Result, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return Result{}, fmt.Errorf("failed to get columns: %w", err)
	}
	columns := make([]ResultColumn, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = ResultColumn{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	result := Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return Result{}, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = normalizeValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}
