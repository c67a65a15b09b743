package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Source is an executable connection to one data source. Query must honour
// ctx cancellation and read at most maxRows rows, setting Truncated when more
// were available. Errors from Query are *ExecError.
type Source interface {
	ID() string
	Driver() Driver
	LoadSchema(ctx context.Context) (Schema, error)
	Query(ctx context.Context, query string, maxRows int) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// normalizeValue converts driver values into JSON-friendly ones.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case [16]byte:
		return uuid.UUID(val).String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return val.String()
	default:
		return val
	}
}
