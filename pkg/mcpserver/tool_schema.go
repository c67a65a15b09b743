package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/malbeclabs/querypilot/pkg/metrics"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type SchemaInput struct {
	DataSourceIDs []string `json:"dataSourceIds,omitempty" jsonschema:"data source ids to describe; all when empty"`
}

type SchemaOutput struct {
	Schemas []datasource.Schema `json:"schemas"`
	// Summary is the same catalog rendered as text.
	Summary string `json:"summary"`
}

func RegisterSchemaTool(log *slog.Logger, server *mcp.Server, schemas SchemaProvider, name string, description string) error {
	req, err := jsonschema.For[SchemaInput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema input schema: %w", err)
	}

	res, err := jsonschema.For[SchemaOutput](nil)
	if err != nil {
		return fmt.Errorf("failed to create schema output schema: %w", err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:         name,
		Description:  description,
		InputSchema:  req,
		OutputSchema: res,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, req SchemaInput) (*mcp.CallToolResult, SchemaOutput, error) {
		startTime := time.Now()
		log.Debug("mcp/tool: handling schema", "dataSourceIds", req.DataSourceIDs)

		res, err := handleSchema(ctx, schemas, req)
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			log.Warn("mcp/tool: schema failed", "error", err, "duration", time.Since(startTime))
			return nil, SchemaOutput{}, err
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return nil, res, nil
	})
	return nil
}

func handleSchema(ctx context.Context, schemas SchemaProvider, in SchemaInput) (SchemaOutput, error) {
	loaded, err := schemas.Schemas(ctx, in.DataSourceIDs)
	if err != nil {
		return SchemaOutput{}, fmt.Errorf("failed to load schemas: %w", err)
	}
	var sb strings.Builder
	for i, schema := range loaded {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "## Data source: %s\n%s\n", schema.DataSourceID, schema.Summary())
	}
	return SchemaOutput{
		Schemas: loaded,
		Summary: sb.String(),
	}, nil
}
