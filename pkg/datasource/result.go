package datasource

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ResultColumn describes one column of a query result.
type ResultColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Result is a bounded query result set.
type Result struct {
	Columns   []ResultColumn `json:"columns"`
	Rows      [][]any        `json:"rows"`
	Duration  time.Duration  `json:"-"`
	Truncated bool           `json:"truncated"`
}

func (r Result) RowCount() int { return len(r.Rows) }

func (r Result) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// Payload is the JSON-friendly form carried in result event metadata.
func (r Result) Payload() map[string]any {
	rows := r.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return map[string]any{
		"columns":    r.Columns,
		"rows":       rows,
		"rowCount":   len(r.Rows),
		"durationMs": r.Duration.Milliseconds(),
		"truncated":  r.Truncated,
	}
}

// ErrorCause classifies an execution failure.
type ErrorCause string

const (
	CauseTimeout                ErrorCause = "Timeout"
	CauseConnectionLost         ErrorCause = "ConnectionLost"
	CauseSyntaxRejectedByEngine ErrorCause = "SyntaxRejectedByEngine"
	CausePermissionDenied       ErrorCause = "PermissionDenied"
)

// ExecError is the structured error returned by Executor.
type ExecError struct {
	Cause ErrorCause
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execution failed (%s): %v", e.Cause, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same query may succeed.
func (e *ExecError) Transient() bool {
	return e.Cause == CauseConnectionLost
}

// CauseOf returns the cause of err when it is an ExecError.
func CauseOf(err error) (ErrorCause, bool) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Cause, true
	}
	return "", false
}

var (
	permissionMarkers = []string{
		"permission denied",
		"access denied",
		"not enough privileges",
		"insufficient privilege",
		"readonly",
		"read-only",
		"cannot execute",
	}
	connectionMarkers = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"closed network connection",
		"no such host",
		"conn closed",
		"bad connection",
		"i/o timeout",
	}
)

// classifyMessage maps an engine error message onto a cause when the driver did not
// give a structured code.
func classifyMessage(err error) ErrorCause {
	msg := strings.ToLower(err.Error())
	for _, m := range permissionMarkers {
		if strings.Contains(msg, m) {
			return CausePermissionDenied
		}
	}
	for _, m := range connectionMarkers {
		if strings.Contains(msg, m) {
			return CauseConnectionLost
		}
	}
	return CauseSyntaxRejectedByEngine
}
