package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/malbeclabs/querypilot/pkg/stream"
)

const (
	defaultReadHeaderTimeout = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultWSPingInterval    = 30 * time.Second
)

// TurnHandler runs one turn of a session and streams its events.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sc *conversation.SessionContext, req stream.Request) <-chan stream.Event
}

// SessionManager resolves session ids to live sessions.
type SessionManager interface {
	Get(ctx context.Context, id string) (*conversation.SessionContext, error)
	Lookup(id string) (*conversation.SessionContext, bool)
	Delete(ctx context.Context, id string) bool
}

// HistoryStore serves sessions that are no longer in memory.
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]conversation.Turn, error)
	Delete(ctx context.Context, sessionID string) error
}

type Config struct {
	Logger   *slog.Logger
	Listener net.Listener
	Turns    TurnHandler
	Sessions SessionManager

	// Optional.
	History HistoryStore
	Hub     *stream.Hub
	MCP     http.Handler
	Ready   func(ctx context.Context) error

	CORSOrigins       []string
	HeartbeatInterval time.Duration
	WSPingInterval    time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Listener == nil {
		return errors.New("listener is required")
	}
	if c.Turns == nil {
		return errors.New("turn handler is required")
	}
	if c.Sessions == nil {
		return errors.New("session manager is required")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = stream.DefaultHeartbeatInterval
	}
	if c.WSPingInterval == 0 {
		c.WSPingInterval = defaultWSPingInterval
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}
