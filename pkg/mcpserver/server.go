// Package mcpserver exposes the query pipeline as MCP tools over streamable
// HTTP.
package mcpserver

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	mcp     *mcp.Server
	handler http.Handler
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "QueryPilot MCP Server",
		Version: cfg.Version,
	}, nil)

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		mcp: mcpServer,
	}

	if err := RegisterAskTool(s.log, mcpServer, cfg, "ask", `
		PURPOSE:
		Answer a question about the connected databases. The question is turned into one read-only SQL query, run, and explained.

		USAGE RULES:
		- Ask in plain language; do not send SQL.
		- Pass the returned sessionId on later calls to ask follow-up questions such as "now break that down by month".
		- When the response has a clarification, answer it in the next call with the same sessionId, by name or number.
		- Use mode "report" for a longer written summary.
	`); err != nil {
		return nil, fmt.Errorf("failed to create ask tool: %w", err)
	}
	if err := RegisterSchemaTool(s.log, mcpServer, cfg.Schemas, "schema", `
		PURPOSE:
		List the tables and columns of the connected data sources, optionally limited to some data source ids.
	`); err != nil {
		return nil, fmt.Errorf("failed to create schema tool: %w", err)
	}

	s.handler = mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		Stateless: true,
	})
	return s, nil
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) MCP() *mcp.Server {
	return s.mcp
}
