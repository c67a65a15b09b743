package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/querypilot/pkg/metrics"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/stream"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type AskInput struct {
	Question      string   `json:"question" jsonschema:"the question to answer, in plain language"`
	SessionID     string   `json:"sessionId,omitempty" jsonschema:"session id returned by an earlier call, to continue that conversation"`
	Mode          string   `json:"mode,omitempty" jsonschema:"query (default) or report"`
	DataSourceIDs []string `json:"dataSourceIds,omitempty" jsonschema:"limit table selection to these data sources"`
}

type AskOutput struct {
	SessionID     string     `json:"sessionId"`
	Status        string     `json:"status"`
	SQL           string     `json:"sql,omitempty"`
	Narrative     string     `json:"narrative,omitempty"`
	Columns       []string   `json:"columns,omitempty"`
	Rows          []QueryRow `json:"rows,omitempty"`
	RowCount      int        `json:"rowCount"`
	Truncated     bool       `json:"truncated,omitempty"`
	FollowUps     []string   `json:"followUps,omitempty"`
	Clarification string     `json:"clarification,omitempty"`
	Candidates    []string   `json:"candidates,omitempty"`
	Error         string     `json:"error,omitempty"`
	ErrorKind     string     `json:"errorKind,omitempty"`
}

type QueryRow map[string]any

func RegisterAskTool(log *slog.Logger, server *mcp.Server, cfg Config, name string, description string) error {
	req, err := jsonschema.For[AskInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask input schema: %w", err)
	}
	req.Properties["mode"].Enum = []any{string(stream.ModeQuery), string(stream.ModeReport)}

	res, err := jsonschema.For[AskOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create ask output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req AskInput) (*mcp.CallToolResult, AskOutput, error) {
		startTime := time.Now()
		log.Debug("mcp/tool: handling ask", "session", req.SessionID, "question", req.Question)

		res, err := handleAsk(ctx, cfg, req)
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			log.Warn("mcp/tool: ask failed", "error", err, "duration", time.Since(startTime))
			return nil, AskOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, res, nil
	})
	return nil
}

func handleAsk(ctx context.Context, cfg Config, in AskInput) (AskOutput, error) {
	req := stream.Request{
		Type:          stream.RequestTypeQuery,
		Content:       in.Question,
		SessionID:     in.SessionID,
		DataSourceIDs: in.DataSourceIDs,
		Mode:          stream.Mode(in.Mode),
	}
	if err := req.Validate(); err != nil {
		return AskOutput{}, fmt.Errorf("invalid ask request: %w", err)
	}

	sc, err := cfg.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return AskOutput{}, fmt.Errorf("failed to get session: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.TurnTimeout)
	defer cancel()
	answer, err := pipeline.CollectAnswer(ctx, cfg.Turns.HandleTurn(ctx, sc, req))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return AskOutput{}, fmt.Errorf("turn did not finish within %s", cfg.TurnTimeout)
		}
		return AskOutput{}, fmt.Errorf("failed to collect answer: %w", err)
	}
	return toAskOutput(sc.ID(), answer), nil
}

func toAskOutput(sessionID string, a pipeline.Answer) AskOutput {
	out := AskOutput{
		SessionID:     sessionID,
		Status:        a.Status,
		SQL:           a.SQL,
		Narrative:     a.Narrative,
		FollowUps:     a.FollowUps,
		Clarification: a.Clarification,
		Error:         a.Error,
		ErrorKind:     a.ErrorKind,
	}
	for _, c := range a.Candidates {
		out.Candidates = append(out.Candidates, c.TableID)
	}
	if a.Result != nil {
		out.Columns = a.Result.ColumnNames()
		out.RowCount = a.Result.RowCount()
		out.Truncated = a.Result.Truncated
		out.Rows = make([]QueryRow, 0, len(a.Result.Rows))
		for _, row := range a.Result.Rows {
			qr := make(QueryRow, len(out.Columns))
			for i, col := range out.Columns {
				if i < len(row) {
					qr[col] = row[i]
				}
			}
			out.Rows = append(out.Rows, qr)
		}
	}
	return out
}
