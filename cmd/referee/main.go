package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tatianab/referee/internal/app"
	"github.com/tatianab/referee/internal/config"
	"github.com/tatianab/referee/internal/logging"
	"github.com/tatianab/referee/internal/tui"
)

func main() {
	var (
		sessionID = flag.String("session", "", "resume an existing session instead of starting a new one")
		rules     = flag.String("rules", "", "ingest a rulebook before starting, as Game=path/to/rules.txt")
		logFile   = flag.String("log-file", "referee.log", "file to write logs to while the terminal UI is open")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Printf("Error opening log file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(f, level, true)

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		fmt.Printf("Error creating referee: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	if *rules != "" {
		game, path, ok := strings.Cut(*rules, "=")
		if !ok {
			fmt.Println("Error: -rules must look like Game=path/to/rules.txt")
			os.Exit(1)
		}
		text, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("Error reading rulebook: %v\n", err)
			os.Exit(1)
		}
		n, err := a.Rules.Ingest(ctx, game, string(text))
		if err != nil {
			fmt.Printf("Error ingesting rulebook: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Ingested %d rule chunks for %s\n", n, game)
	}

	if err := tui.Run(ctx, a.Referee, a.Sessions, *sessionID); err != nil {
		fmt.Printf("Error running TUI: %v\n", err)
		os.Exit(1)
	}
}
