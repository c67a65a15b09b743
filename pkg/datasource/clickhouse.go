package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouse server error codes the executor distinguishes.
const (
	chCodeTimeoutExceeded  = 159
	chCodeReadonly         = 164
	chCodeNetworkError     = 210
	chCodeSocketTimeout    = 209
	chCodeAccessDenied     = 497
	chCodeUnknownUser      = 192
	chCodeRequiredPassword = 194
)

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ClickHouseSource runs queries with readonly settings on a native
// ClickHouse connection.
type ClickHouseSource struct {
	log  *slog.Logger
	id   string
	conn driver.Conn
}

func NewClickHouseSource(ctx context.Context, log *slog.Logger, id string, cfg ClickHouseConfig) (*ClickHouseSource, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	log.Info("datasource: clickhouse connected", "id", id, "addr", cfg.Addr, "database", cfg.Database)
	return &ClickHouseSource{log: log, id: id, conn: conn}, nil
}

func (s *ClickHouseSource) ID() string     { return s.id }
func (s *ClickHouseSource) Driver() Driver { return DriverClickHouse }

func (s *ClickHouseSource) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *ClickHouseSource) Close() error {
	return s.conn.Close()
}

func (s *ClickHouseSource) LoadSchema(ctx context.Context) (Schema, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT table, name, type, comment
		FROM system.columns
		WHERE database = currentDatabase()
		ORDER BY table, position`)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to query clickhouse schema: %w", err)
	}
	defer rows.Close()

	var listing []columnRow
	for rows.Next() {
		var r columnRow
		if err := rows.Scan(&r.table, &r.column, &r.dataType, &r.description); err != nil {
			return Schema{}, fmt.Errorf("failed to scan schema row: %w", err)
		}
		listing = append(listing, r)
	}
	if err := rows.Err(); err != nil {
		return Schema{}, fmt.Errorf("error iterating schema rows: %w", err)
	}
	return Schema{DataSourceID: s.id, Driver: DriverClickHouse, Tables: buildTables(listing, "")}, nil
}

func (s *ClickHouseSource) Query(ctx context.Context, query string, maxRows int) (Result, error) {
	// readonly=2 rejects writes while still allowing per-query settings.
	ctx = clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"readonly": 2,
	}))
	rows, err := s.conn.Query(ctx, query)
	if err != nil {
		return Result{}, wrapClickHouseError(ctx, err)
	}
	defer rows.Close()

	colTypes := rows.ColumnTypes()
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
		vars := make([]any, len(colTypes))
		for i, ct := range colTypes {
			vars[i] = reflect.New(ct.ScanType()).Interface()
		}
		if err := rows.Scan(vars...); err != nil {
			return Result{}, wrapClickHouseError(ctx, err)
		}
		row := make([]any, len(vars))
		for i, v := range vars {
			row[i] = normalizeValue(derefValue(v))
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, wrapClickHouseError(ctx, err)
	}
	return result, nil
}

func derefValue(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}

func wrapClickHouseError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ExecError{Cause: CauseTimeout, Err: err}
	}
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		switch exception.Code {
		case chCodeTimeoutExceeded, chCodeSocketTimeout:
			return &ExecError{Cause: CauseTimeout, Err: err}
		case chCodeReadonly, chCodeAccessDenied, chCodeUnknownUser, chCodeRequiredPassword:
			return &ExecError{Cause: CausePermissionDenied, Err: err}
		case chCodeNetworkError:
			return &ExecError{Cause: CauseConnectionLost, Err: err}
		default:
			return &ExecError{Cause: CauseSyntaxRejectedByEngine, Err: err}
		}
	}
	return &ExecError{Cause: classifyMessage(err), Err: err}
}
