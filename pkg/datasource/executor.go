package datasource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultQueryTimeout = 30 * time.Second
	DefaultMaxRows      = 1000
)

type ExecutorConfig struct {
	Logger   *slog.Logger
	Registry *Registry
	Timeout  time.Duration
	MaxRows  int
}

func (c *ExecutorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultQueryTimeout
	}
	if c.MaxRows == 0 {
		c.MaxRows = DefaultMaxRows
	}
	return nil
}

// Executor runs validated queries with a timeout it enforces itself: if a
// driver ignores context cancellation the caller is still released when the
// timeout fires.
type Executor struct {
	log *slog.Logger
	cfg ExecutorConfig
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Executor{log: cfg.Logger, cfg: cfg}, nil
}

func (e *Executor) MaxRows() int { return e.cfg.MaxRows }

func (e *Executor) Execute(ctx context.Context, sourceID string, query string) (Result, error) {
	src, err := e.cfg.Registry.Source(sourceID)
	if err != nil {
		return Result{}, err
	}
	return RunWithTimeout(ctx, e.log, src, query, e.cfg.MaxRows, e.cfg.Timeout)
}

// RunWithTimeout executes query on src, bounded by timeout.
func RunWithTimeout(ctx context.Context, log *slog.Logger, src Source, query string, maxRows int, timeout time.Duration) (Result, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := src.Query(queryCtx, query, maxRows)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
				return Result{}, &ExecError{Cause: CauseTimeout, Err: fmt.Errorf("query exceeded %s: %w", timeout, out.err)}
			}
			var execErr *ExecError
			if !errors.As(out.err, &execErr) {
				execErr = &ExecError{Cause: classifyMessage(out.err), Err: out.err}
			}
			log.Info("datasource: query failed", "source", src.ID(), "cause", execErr.Cause, "duration", duration, "error", out.err)
			return Result{}, execErr
		}
		out.result.Duration = duration
		log.Info("datasource: query executed", "source", src.ID(), "rows", out.result.RowCount(), "truncated", out.result.Truncated, "duration", duration)
		return out.result, nil
	case <-queryCtx.Done():
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		log.Info("datasource: query timed out", "source", src.ID(), "timeout", timeout)
		return Result{}, &ExecError{Cause: CauseTimeout, Err: fmt.Errorf("query exceeded %s", timeout)}
	}
}
