package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Tier identifies which model endpoint served a call.
type Tier string

const (
	TierCloud Tier = "cloud"
	TierLocal Tier = "local"
)

var (
	// ErrUnavailable is returned when the endpoint cannot serve the call
	// (network failure, overload, 5xx).
	ErrUnavailable = errors.New("model unavailable")
	// ErrTimeout is returned when the call exceeded its deadline.
	ErrTimeout = errors.New("model timeout")
	// ErrEmptyResponse is returned when the endpoint answered without text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Usage is the token accounting reported for one call.
type Usage struct {
	Tier         Tier  `json:"tier"`
	InputTokens  int64 `json:"inputTokens"`
	OutputTokens int64 `json:"outputTokens"`
}

func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

type Request struct {
	System    string
	Prompt    string
	MaxTokens int64

	// CacheSystem marks the system prompt as cacheable where supported.
	CacheSystem bool
}

type Response struct {
	Text  string
	Usage Usage
}

// Client is a single model endpoint.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Tier() Tier
}

// classifyError maps transport failures onto ErrTimeout or ErrUnavailable so
// callers can decide whether to retry without knowing the provider.
func classifyError(ctx context.Context, provider string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", provider, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
	}
	switch {
	case statusCode == 408 || statusCode == 504:
		return fmt.Errorf("%s: %w: %w", provider, ErrTimeout, err)
	case statusCode == 0, statusCode == 429, statusCode >= 500:
		return fmt.Errorf("%s: %w: %w", provider, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", provider, err)
}

// IsRetryable reports whether err is worth retrying against the same endpoint.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
