// Package main provides the websocket chat server for openchat.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/openchat/internal/chat"
	"github.com/raphaelgruber/openchat/internal/config"
	"github.com/raphaelgruber/openchat/internal/db"
	"github.com/raphaelgruber/openchat/internal/llm"
	"github.com/raphaelgruber/openchat/internal/metrics"
	"github.com/raphaelgruber/openchat/internal/server"
)

const version = "0.1.0"

func main() {
	// Parse flags
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	// Load configuration
	cfg := config.Load()

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()

	logger.Info("starting openchat-server",
		"version", version,
		"port", cfg.ServerPort,
		"surrealdb_url", cfg.SurrealDBURL,
		"provider", cfg.LLMProvider,
		"model", cfg.LLMModel,
	)

	// Connect to database
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger)
	if err != nil {
		cancel()
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		logger.Info("closing database connection")
		_ = dbClient.Close(context.Background())
	}()

	// Initialize database schema
	if err := dbClient.InitSchema(ctx); err != nil {
		cancel()
		logger.Error("failed to initialize database schema", "error", err)
		os.Exit(1)
	}

	// Wipe database if requested (via flag or env var)
	if *wipeDB || os.Getenv("OPENCHAT_WIPE_DB") == "true" {
		if err := dbClient.WipeData(ctx); err != nil {
			cancel()
			logger.Error("failed to wipe database", "error", err)
			os.Exit(1)
		}
	}

	// Create completion provider
	mc := metrics.NewCollector()
	provider, err := llm.New(ctx, cfg, logger, mc)
	cancel()
	if err != nil {
		logger.Error("failed to create completion provider", "error", err)
		os.Exit(1)
	}

	srv := server.New(provider, func(owner string) chat.Store {
		return dbClient.ForOwner(owner, mc)
	}, server.Options{
		Model:         cfg.LLMModel,
		TitleModel:    cfg.TitleModel,
		TouchInterval: cfg.TouchInterval,
		DefaultUser:   cfg.UserID,
		Ping:          dbClient.Ping,
	}, logger, mc)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("websocket endpoint available", "url", fmt.Sprintf("ws://localhost:%s/ws", cfg.ServerPort))
		logger.Info("stats available", "url", fmt.Sprintf("http://localhost:%s/stats", cfg.ServerPort))

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down server...", "signal", sig)

	// Graceful shutdown with timeout
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}
