// ccpulse server: ingests coding-session telemetry through a durable
// stream, drives the session lifecycle, processes transcripts in the
// background, and serves the HTTP/WebSocket query surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ccpulse/ccpulse/pkg/api"
	"github.com/ccpulse/ccpulse/pkg/blob"
	"github.com/ccpulse/ccpulse/pkg/config"
	"github.com/ccpulse/ccpulse/pkg/database"
	"github.com/ccpulse/ccpulse/pkg/events"
	"github.com/ccpulse/ccpulse/pkg/ingest"
	"github.com/ccpulse/ccpulse/pkg/pipeline"
	"github.com/ccpulse/ccpulse/pkg/store"
	"github.com/ccpulse/ccpulse/pkg/stream"
	"github.com/ccpulse/ccpulse/pkg/summary"
	"github.com/ccpulse/ccpulse/pkg/version"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}
	configureLogging()

	slog.Info("Starting ccpulse", "version", version.Full())
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Storage, with migrations applied on connect.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	// Stream transport with the consumer group ensured.
	streamClient, err := stream.New(ctx, cfg.Stream)
	if err != nil {
		slog.Error("Failed to connect to event stream", "error", err)
		os.Exit(1)
	}
	defer streamClient.Close()
	slog.Info("Connected to event stream",
		"stream", cfg.Stream.Stream, "group", cfg.Stream.Group,
		"consumer", streamClient.Consumer())

	blobStore, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	// Stores share the pool.
	pool := dbClient.Pool()
	identityStore := store.NewIdentityStore(pool)
	sessionStore := store.NewSessionStore(pool)
	eventStore := store.NewEventStore(pool)
	transcriptStore := store.NewTranscriptStore(pool)
	gitStore := store.NewGitStore(pool)

	manager := events.NewManager(cfg.WS)

	summarizer := summary.New(cfg.Summary)
	if summarizer != nil {
		slog.Info("Summarization enabled", "model", cfg.Summary.Model)
	} else {
		slog.Info("Summarization disabled, sessions stop at parsed")
	}

	runner := pipeline.NewRunner(sessionStore, transcriptStore, blobStore, summarizer, manager, cfg.Pipeline)

	processor := ingest.NewProcessor(identityStore, eventStore, sessionStore, gitStore,
		runner, manager, cfg.Correlation.MaxAge)
	consumer := ingest.NewConsumer(streamClient, processor, cfg.Consumer)
	consumer.Start(ctx)

	sweeper := pipeline.NewSweeper(sessionStore, runner, cfg.Recovery)
	sweeper.Start(ctx)

	server := api.NewServer(cfg.Server, api.Deps{
		DB:       dbClient,
		Stream:   streamClient,
		Blobs:    blobStore,
		Identity: identityStore,
		Sessions: sessionStore,
		Events:   eventStore,
		Trans:    transcriptStore,
		Git:      gitStore,
		Runner:   runner,
		Sweeper:  sweeper,
		Manager:  manager,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.Port)
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Shutdown order: stop accepting HTTP, close WS clients, drain the
	// consumer and sweeper, then let deferred closes release the stores.
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	manager.Shutdown()
	consumer.Stop()
	sweeper.Stop()
	slog.Info("ccpulse stopped")
}

// configureLogging applies LOG_LEVEL (debug/info/warn/error) to the default
// slog logger.
func configureLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
