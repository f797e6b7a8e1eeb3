package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/mcpserver"
	"github.com/loqalabs/loqa-transcribe/internal/sessionstore"
	"github.com/mark3labs/mcp-go/server"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	// stdout carries the MCP protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := run(configPath, logger); err != nil {
		logger.Error("mcp server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store, err := sessionstore.Open(context.Background(), cfg.SessionStore, logger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	return server.ServeStdio(mcpserver.New(store, version, logger))
}
