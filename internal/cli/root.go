package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/malbeclabs/querypilot/internal/app"
	"github.com/malbeclabs/querypilot/pkg/config"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

const defaultConfigPath = "querypilot.yaml"

func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:   "querypilot",
		Short: "Ask questions about your data in plain language.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the YAML config file")

	rootCmd.AddCommand(
		NewAskCmd().Command(),
		NewSchemaCmd().Command(),
		NewSessionsCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}

	return exitCodeSuccess
}

// setup loads the config named by the root flags and builds the app. The
// returned context is cancelled on SIGINT or SIGTERM.
func setup(cmd *cobra.Command) (context.Context, *app.App, func(), error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	configPath, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	log := newLogger(verbose)

	// a missing .env file is fine
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	a, err := app.New(ctx, log, cfg)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	return ctx, a, func() {
		a.Close()
		stop()
	}, nil
}

// newLogger writes to stderr so that answers on stdout can be piped.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
