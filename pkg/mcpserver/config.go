package mcpserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

const defaultTurnTimeout = 2 * time.Minute

type TurnHandler interface {
	HandleTurn(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event
}

type SessionGetter interface {
	Get(ctx context.Context, id string) (*conversation.SessionContext, error)
}

type SchemaProvider interface {
	Schemas(ctx context.Context, ids []string) ([]datasource.Schema, error)
}

type Config struct {
	Logger   *slog.Logger
	Version  string
	Turns    TurnHandler
	Sessions SessionGetter
	Schemas  SchemaProvider

	// TurnTimeout bounds one ask call.
	TurnTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Turns == nil {
		return errors.New("turn handler is required")
	}
	if c.Sessions == nil {
		return errors.New("session getter is required")
	}
	if c.Schemas == nil {
		return errors.New("schema provider is required")
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.TurnTimeout == 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	return nil
}
