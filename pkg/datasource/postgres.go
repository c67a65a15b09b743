package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresDefaultSchema = "public"

// PostgresSource runs queries in read-only transactions on a pgx pool.
type PostgresSource struct {
	log     *slog.Logger
	id      string
	pool    *pgxpool.Pool
	typeMap *pgtype.Map
}

func NewPostgresSource(ctx context.Context, log *slog.Logger, id string, dsn string) (*PostgresSource, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	log.Info("datasource: postgres connected", "id", id)
	return NewPostgresSourceFromPool(log, id, pool), nil
}

func NewPostgresSourceFromPool(log *slog.Logger, id string, pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{log: log, id: id, pool: pool, typeMap: pgtype.NewMap()}
}

func (s *PostgresSource) ID() string     { return s.id }
func (s *PostgresSource) Driver() Driver { return DriverPostgres }

func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresSource) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresSource) LoadSchema(ctx context.Context) (Schema, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.table_schema, c.table_name, c.column_name, c.data_type,
			COALESCE(col_description(format('%I.%I', c.table_schema, c.table_name)::regclass::oid, c.ordinal_position), '')
		FROM information_schema.columns c
		WHERE c.table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY c.table_schema, c.table_name, c.ordinal_position`)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to query postgres schema: %w", err)
	}
	defer rows.Close()

	var listing []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.schema, &r.table, &r.column, &r.dataType, &r.description); err != nil {
			return Schema{}, fmt.Errorf("failed to scan schema row: %w", err)
		}
		listing = append(listing, r)
	}
	if err := rows.Err(); err != nil {
		return Schema{}, fmt.Errorf("error iterating schema rows: %w", err)
	}
	return Schema{DataSourceID: s.id, Driver: DriverPostgres, Tables: buildTables(listing, postgresDefaultSchema)}, nil
}

func (s *PostgresSource) Query(ctx context.Context, query string, maxRows int) (Result, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Result{}, wrapPostgresError(ctx, err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	rows, err := tx.Query(ctx, query)
	if err != nil {
		return Result{}, wrapPostgresError(ctx, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]ResultColumn, len(fields))
	for i, fd := range fields {
		typeName := fmt.Sprintf("oid:%d", fd.DataTypeOID)
		if t, ok := s.typeMap.TypeForOID(fd.DataTypeOID); ok {
			typeName = t.Name
		}
		columns[i] = ResultColumn{Name: fd.Name, Type: typeName}
	}

	result := Result{Columns: columns, Rows: [][]any{}}
	for rows.Next() {
		if maxRows > 0 && len(result.Rows) >= maxRows {
			result.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return Result{}, wrapPostgresError(ctx, err)
		}
		row := make([]any, len(values))
		for i, v := range values {
			row[i] = normalizePostgresValue(v)
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, wrapPostgresError(ctx, err)
	}
	return result, nil
}

func normalizePostgresValue(v any) any {
	if n, ok := v.(pgtype.Numeric); ok {
		f, err := n.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	}
	return normalizeValue(v)
}

func wrapPostgresError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || pgconn.Timeout(err) {
		return &ExecError{Cause: CauseTimeout, Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return &ExecError{Cause: CauseTimeout, Err: err}
		case pgErr.Code == "42501", pgErr.Code == "25006":
			return &ExecError{Cause: CausePermissionDenied, Err: err}
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
			return &ExecError{Cause: CauseConnectionLost, Err: err}
		default:
			return &ExecError{Cause: CauseSyntaxRejectedByEngine, Err: err}
		}
	}
	return &ExecError{Cause: classifyMessage(err), Err: err}
}
