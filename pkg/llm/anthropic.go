package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 2048

// AnthropicClient serves the cloud tier.
type AnthropicClient struct {
	log       *slog.Logger
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

type AnthropicConfig struct {
	Logger    *slog.Logger
	Model     string
	MaxTokens int64

	// APIKey falls back to the ANTHROPIC_API_KEY environment variable read by
	// the SDK when empty.
	APIKey  string
	BaseURL string
}

func (c *AnthropicConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultAnthropicMaxTokens
	}
	return nil
}

func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries are owned by the pipeline's retry policy.
	opts = append(opts, option.WithMaxRetries(0))
	return &AnthropicClient{
		log:       cfg.Logger,
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (c *AnthropicClient) Tier() Tier { return TierCloud }

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	system := anthropic.TextBlockParam{Text: req.System}
	if req.CacheSystem {
		system.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{system},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	duration := time.Since(start)
	if err != nil {
		statusCode := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			statusCode = apiErr.StatusCode
		}
		c.log.Warn("llm/anthropic: call failed", "model", c.model, "duration", duration, "status", statusCode, "error", err)
		return Response{}, classifyError(ctx, "anthropic", statusCode, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := Usage{
		Tier:         TierCloud,
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	c.log.Debug("llm/anthropic: call completed", "model", c.model, "duration", duration, "stopReason", msg.StopReason, "inputTokens", usage.InputTokens, "outputTokens", usage.OutputTokens)

	if text.Len() == 0 {
		return Response{Usage: usage}, fmt.Errorf("anthropic: %w", ErrEmptyResponse)
	}
	return Response{Text: text.String(), Usage: usage}, nil
}
