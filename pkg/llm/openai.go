package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

const defaultLocalMaxTokens = 1024

// OpenAIClient serves the local tier through an OpenAI-compatible endpoint
// such as Ollama or vLLM.
type OpenAIClient struct {
	log       *slog.Logger
	client    openai.Client
	model     string
	maxTokens int64
}

type OpenAIConfig struct {
	Logger    *slog.Logger
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int64
}

func (c *OpenAIConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Model == "" {
		return errors.New("model is required")
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = defaultLocalMaxTokens
	}
	if c.APIKey == "" {
		// Local servers ignore the key but the SDK requires one.
		c.APIKey = "local"
	}
	return nil
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		log:       cfg.Logger,
		client:    openai.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (c *OpenAIClient) Tier() Tier { return TierLocal }

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.Prompt),
		},
		MaxTokens: openai.Int(maxTokens),
	})
	duration := time.Since(start)
	if err != nil {
		statusCode := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			statusCode = apiErr.StatusCode
		}
		c.log.Warn("llm/openai: call failed", "model", c.model, "duration", duration, "status", statusCode, "error", err)
		return Response{}, classifyError(ctx, "openai", statusCode, err)
	}

	usage := Usage{
		Tier:         TierLocal,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	c.log.Debug("llm/openai: call completed", "model", c.model, "duration", duration, "inputTokens", usage.InputTokens, "outputTokens", usage.OutputTokens)

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Response{Usage: usage}, fmt.Errorf("openai: %w", ErrEmptyResponse)
	}
	return Response{Text: resp.Choices[0].Message.Content, Usage: usage}, nil
}
