package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/querypilot/internal/app"
	"github.com/malbeclabs/querypilot/pkg/config"
	"github.com/malbeclabs/querypilot/pkg/logger"
	"github.com/malbeclabs/querypilot/pkg/mcpserver"
	"github.com/malbeclabs/querypilot/pkg/metrics"
	"github.com/malbeclabs/querypilot/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "querypilot.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	configFlag := flag.String("config", defaultConfigPath, "Path to the YAML config file")
	listenAddrFlag := flag.String("listen-addr", "", "HTTP server listen address (overrides the config file)")
	metricsAddrFlag := flag.String("metrics-addr", "", "Address to listen on for prometheus metrics (overrides the config file)")
	envFileFlag := flag.String("env-file", ".env", "Optional dotenv file loaded before the config")
	flag.Parse()

	log := logger.New(*verboseFlag)

	if *envFileFlag != "" {
		if err := godotenv.Load(*envFileFlag); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}
	if *listenAddrFlag != "" {
		cfg.Server.ListenAddr = *listenAddrFlag
	}
	if *metricsAddrFlag != "" {
		cfg.Server.MetricsAddr = *metricsAddrFlag
	}

	// Set up signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	var metricsServerErrCh = make(chan error, 1)
	if cfg.Server.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.Server.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	a, err := app.New(ctx, log, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	var mcpHandler http.Handler
	if cfg.Server.MCP {
		mcpSrv, err := mcpserver.New(mcpserver.Config{
			Logger:   log,
			Version:  version,
			Turns:    a.Orchestrator,
			Sessions: a.Sessions,
			Schemas:  a.Registry,
		})
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}
		mcpHandler = mcpSrv.Handler()
		log.Info("MCP endpoint enabled", "path", "/mcp")
	}

	listener, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create HTTP listener: %w", err)
	}
	defer listener.Close()

	srv, err := server.New(server.Config{
		Logger:            log,
		Listener:          listener,
		Turns:             a.Orchestrator,
		Sessions:          a.Sessions,
		History:           a.History,
		Hub:               a.Hub,
		MCP:               mcpHandler,
		Ready:             a.Ready,
		CORSOrigins:       cfg.Server.CORSOrigins,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		// wait for in-flight requests to drain before closing the app
		if err := <-serverErrCh; err != nil {
			log.Error("server: error during shutdown", "error", err)
		}
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}
