package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/YapperCore/yapper-sync/config"
	"github.com/YapperCore/yapper-sync/ingest"
	"github.com/YapperCore/yapper-sync/server"
	"github.com/YapperCore/yapper-sync/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (toml)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	spoolDir := flag.String("spool", "", "Transcript spool directory (overrides config)")
	storeURL := flag.String("store", "", "External document store base URL (empty = in-memory)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *spoolDir != "" {
		cfg.Ingest.SpoolDir = *spoolDir
	}
	if *storeURL != "" {
		cfg.Store.BaseURL = *storeURL
	}
	if token := os.Getenv("YAPPER_TOKEN"); token != "" {
		cfg.Server.Token = token
		if cfg.Store.Token == "" {
			cfg.Store.Token = token
		}
	}
	if cfg.Server.Token == "" {
		slog.Warn("No auth token configured, running with the token gate disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	var st store.Store
	if cfg.Store.BaseURL != "" {
		st = store.NewClient(cfg.Store.BaseURL, cfg.Store.Token, cfg.Store.Timeout)
		slog.Info("Using external document store", "baseURL", cfg.Store.BaseURL)
	} else {
		st = store.NewMemory()
		slog.Warn("Using in-memory document store; content will not survive restarts")
	}

	svc := server.New(cfg.Server, st)

	ingester, err := ingest.New(cfg.Ingest, svc.Hub())
	if err != nil {
		slog.Error("Failed to initialize transcript ingester", "error", err)
		os.Exit(1)
	}
	if err := ingester.Start(ctx); err != nil {
		slog.Error("Failed to start transcript ingester", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := ingester.Stop(context.Background()); err != nil {
			slog.Error("Failed to stop transcript ingester", "error", err)
		}
	}()

	if err := svc.Start(ctx); err != nil {
		slog.Error("Sync server failed", "error", err)
		os.Exit(1)
	}

	slog.Debug("Program exiting")
}
