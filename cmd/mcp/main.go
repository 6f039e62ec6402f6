package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tatianab/referee/internal/app"
	"github.com/tatianab/referee/internal/config"
	"github.com/tatianab/referee/internal/logging"
	"github.com/tatianab/referee/internal/mcpserver"
)

// Serves the referee over MCP on stdio. Logs go to stderr since stdout
// carries the protocol.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Error("log level", "err", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level, true)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build referee", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := mcpserver.Serve(ctx, mcpserver.New(a.Referee, a.Sessions, logger)); err != nil && ctx.Err() == nil {
		logger.Error("mcp server stopped", "err", err)
		a.Close()
		os.Exit(1)
	}
}
