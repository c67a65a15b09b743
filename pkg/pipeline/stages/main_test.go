package stages_test

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/malbeclabs/querypilot/pkg/llm"
)

var (
	logger *slog.Logger
)

func TestMain(m *testing.M) {
	flag.Parse()
	verbose := false
	if vFlag := flag.Lookup("test.v"); vFlag != nil && vFlag.Value.String() == "true" {
		verbose = true
	}
	if verbose {
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		}))
	} else {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	os.Exit(m.Run())
}

type mockClient struct {
	mu           sync.Mutex
	requests     []llm.Request
	CompleteFunc func(ctx context.Context, req llm.Request) (llm.Response, error)
}

func (m *mockClient) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.CompleteFunc(ctx, req)
}

func (m *mockClient) Tier() llm.Tier { return llm.TierCloud }

func (m *mockClient) last() llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func (m *mockClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// replying returns a client that always answers text.
func replying(text string) *mockClient {
	return &mockClient{CompleteFunc: func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: text, Usage: llm.Usage{Tier: llm.TierCloud, InputTokens: 100, OutputTokens: 20}}, nil
	}}
}
