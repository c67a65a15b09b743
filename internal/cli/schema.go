package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/malbeclabs/querypilot/pkg/datasource"
	"github.com/spf13/cobra"
)

type SchemaCmd struct{}

func NewSchemaCmd() *SchemaCmd {
	return &SchemaCmd{}
}

func (c *SchemaCmd) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [datasource-id...]",
		Short: "Print the tables and columns of the configured data sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			schemas, err := a.Registry.Schemas(ctx, args)
			if err != nil {
				return fmt.Errorf("failed to load schemas: %w", err)
			}
			writeSchemas(os.Stdout, schemas)
			return nil
		},
	}
}

func writeSchemas(w io.Writer, schemas []datasource.Schema) {
	for i, s := range schemas {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "## %s (%s)\n\n%s\n", s.DataSourceID, s.Driver, s.Summary())
	}
}
