package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/malbeclabs/querypilot/pkg/conversation"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const contentPreviewLen = 80

type SessionsCmd struct{}

func NewSessionsCmd() *SessionsCmd {
	return &SessionsCmd{}
}

func (c *SessionsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Print the stored turns of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, a, cleanup, err := setup(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				turns, err := a.History.Load(ctx, args[0])
				if err != nil {
					return fmt.Errorf("failed to load session: %w", err)
				}
				if len(turns) == 0 {
					return fmt.Errorf("session %s not found", args[0])
				}
				writeTurns(os.Stdout, turns)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <session-id>",
			Short: "Delete the stored turns of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, a, cleanup, err := setup(cmd)
				if err != nil {
					return err
				}
				defer cleanup()

				if err := a.History.Delete(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to delete session: %w", err)
				}
				return nil
			},
		},
	)
	return cmd
}

func writeTurns(w io.Writer, turns []conversation.Turn) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader([]string{"Time", "Role", "Intent", "Status", "Content", "SQL"})
	for _, t := range turns {
		table.Append([]string{
			t.Timestamp.Format(time.DateTime),
			string(t.Role),
			string(t.Intent),
			string(t.Status),
			preview(t.Content),
			preview(t.SQL),
		})
	}
	table.Render()
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= contentPreviewLen {
		return s
	}
	return string(r[:contentPreviewLen-1]) + "…"
}
