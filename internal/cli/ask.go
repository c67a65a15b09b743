package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/malbeclabs/querypilot/internal/app"
	"github.com/malbeclabs/querypilot/pkg/pipeline"
	"github.com/malbeclabs/querypilot/pkg/stream"
	"github.com/spf13/cobra"
)

const defaultDisplayRows = 50

type AskCmd struct{}

func NewAskCmd() *AskCmd {
	return &AskCmd{}
}

func (c *AskCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question, or start an interactive conversation when no question is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, err := cmd.Flags().GetString("session")
			if err != nil {
				return fmt.Errorf("failed to get session flag: %w", err)
			}
			report, err := cmd.Flags().GetBool("report")
			if err != nil {
				return fmt.Errorf("failed to get report flag: %w", err)
			}
			dataSourceIDs, err := cmd.Flags().GetStringSlice("datasource")
			if err != nil {
				return fmt.Errorf("failed to get datasource flag: %w", err)
			}
			maxRows, err := cmd.Flags().GetInt("rows")
			if err != nil {
				return fmt.Errorf("failed to get rows flag: %w", err)
			}

			ctx, a, cleanup, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := askOptions{
				SessionID:     sessionID,
				DataSourceIDs: dataSourceIDs,
				Mode:          stream.ModeQuery,
				MaxRows:       maxRows,
			}
			if report {
				opts.Mode = stream.ModeReport
			}

			var in io.Reader = strings.NewReader(strings.Join(args, " "))
			if len(args) == 0 {
				in = os.Stdin
				fmt.Fprintln(os.Stderr, "Ask a question. An empty line or Ctrl-D quits.")
			}
			return runAsk(ctx, a, in, os.Stdout, os.Stderr, opts)
		},
	}

	cmd.Flags().String("session", "", "Continue an existing session")
	cmd.Flags().Bool("report", false, "Answer with a longer report")
	cmd.Flags().StringSlice("datasource", nil, "Restrict the question to these data source ids")
	cmd.Flags().Int("rows", defaultDisplayRows, "Maximum number of result rows to display")

	return cmd
}

type askOptions struct {
	SessionID     string
	DataSourceIDs []string
	Mode          stream.Mode
	MaxRows       int
}

// runAsk answers each line of in as a turn of one session. Progress goes to
// progress, answers to out.
func runAsk(ctx context.Context, a *app.App, in io.Reader, out, progress io.Writer, opts askOptions) error {
	sc, err := a.Sessions.Get(ctx, opts.SessionID)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			break
		}
		events := a.Orchestrator.HandleTurn(ctx, sc, stream.Request{
			Content:       question,
			SessionID:     sc.ID(),
			DataSourceIDs: opts.DataSourceIDs,
			Mode:          opts.Mode,
		})
		answer := pipeline.Answer{SessionID: sc.ID()}
		for ev := range events {
			if err := answer.Apply(ev); err != nil {
				return err
			}
			if ev.Type == stream.EventThinking {
				fmt.Fprintf(progress, "… %s\n", ev.Content)
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		writeAnswer(out, answer, opts.MaxRows)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read question: %w", err)
	}
	fmt.Fprintf(progress, "session: %s\n", sc.ID())
	return nil
}

func writeAnswer(w io.Writer, answer pipeline.Answer, maxRows int) {
	switch {
	case answer.Error != "":
		fmt.Fprintf(w, "error (%s): %s\n", answer.ErrorKind, answer.Error)
		return
	case answer.Cancelled:
		fmt.Fprintln(w, "cancelled")
		return
	case answer.AwaitingClarification():
		fmt.Fprintln(w, answer.Clarification)
		return
	}

	if answer.SQL != "" {
		fmt.Fprintf(w, "\n%s\n\n", answer.SQL)
	}
	if answer.Result != nil {
		answer.Result.WriteTable(w, maxRows)
		if maxRows > 0 && answer.Result.RowCount() > maxRows {
			fmt.Fprintf(w, "(%d of %d rows shown)\n", maxRows, answer.Result.RowCount())
		}
	}
	if answer.Narrative != "" {
		fmt.Fprintf(w, "\n%s\n", answer.Narrative)
	}
	if len(answer.FollowUps) > 0 {
		fmt.Fprintln(w, "\nYou could also ask:")
		for _, f := range answer.FollowUps {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
}
