package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/malbeclabs/querypilot/pkg/llm"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() pipeline.RetryPolicy {
	return pipeline.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 2}
}

func TestPipeline_WithRetry(t *testing.T) {
	t.Parallel()

	t.Run("unavailable is retried once", func(t *testing.T) {
		t.Parallel()
		calls := 0
		v, err := pipeline.WithRetry(t.Context(), logger, pipeline.StageClassify, fastPolicy(), pipeline.RetryModel, func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				return "", llm.ErrUnavailable
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
		assert.Equal(t, 2, calls)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := pipeline.WithRetry(t.Context(), logger, pipeline.StageGenerate, fastPolicy(), pipeline.RetryModel, func(ctx context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("call %d: %w", calls, llm.ErrTimeout)
		})
		require.ErrorIs(t, err, llm.ErrTimeout)
		assert.Equal(t, 2, calls)
	})

	t.Run("malformed output is not retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		_, err := pipeline.WithRetry(t.Context(), logger, pipeline.StageSelect, fastPolicy(), pipeline.RetryModel, func(ctx context.Context) (int, error) {
			calls++
			return 0, fmt.Errorf("decode: %w", pipeline.ErrMalformedOutput)
		})
		require.ErrorIs(t, err, pipeline.ErrMalformedOutput)
		assert.Equal(t, 1, calls)
	})

	t.Run("attempt timeout applies per attempt", func(t *testing.T) {
		t.Parallel()
		policy := fastPolicy()
		policy.AttemptTimeout = 10 * time.Millisecond
		calls := 0
		_, err := pipeline.WithRetry(t.Context(), logger, pipeline.StageAnalyze, policy, pipeline.RetryModel, func(ctx context.Context) (int, error) {
			calls++
			<-ctx.Done()
			return 0, ctx.Err()
		})
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 2, calls)
	})

	t.Run("cancelled parent is not retried", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		calls := 0
		_, err := pipeline.WithRetry(ctx, logger, pipeline.StageClassify, fastPolicy(), pipeline.RetryModel, func(ctx context.Context) (int, error) {
			calls++
			cancel()
			return 0, llm.ErrUnavailable
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestPipeline_ModelKind(t *testing.T) {
	t.Parallel()

	assert.Equal(t, pipeline.KindModelMalformedOutput, pipeline.ModelKind(pipeline.ErrMalformedOutput))
	assert.Equal(t, pipeline.KindModelMalformedOutput, pipeline.ModelKind(llm.ErrEmptyResponse))
	assert.Equal(t, pipeline.KindModelTimeout, pipeline.ModelKind(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.Equal(t, pipeline.KindModelUnavailable, pipeline.ModelKind(errors.New("boom")))
	assert.True(t, pipeline.KindModelTimeout.Retryable())
	assert.False(t, pipeline.KindSqlGenerationExhausted.Retryable())
}
