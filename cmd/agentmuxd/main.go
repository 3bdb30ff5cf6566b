// agentmuxd is the local daemon that drives AI coding-agent subprocesses. It
// admits executions per conversation, speaks newline-delimited JSON-RPC to
// the codex and claude backends, brokers approval requests, and relays the
// normalized event stream over the event bus.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/manager"
	"github.com/agentmux/agentmux/internal/common/config"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/events"
	"github.com/agentmux/agentmux/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("Starting agentmux daemon...")

	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	log.Info("Opened database", zap.String("path", cfg.Database.Path))

	mgr, err := manager.NewManager(cfg, st, provided.Bus, log)
	if err != nil {
		log.Fatal("Failed to initialize agent manager", zap.Error(err))
	}

	log.Info("agentmux daemon ready",
		zap.Int("max_concurrent_per_conversation", cfg.Agent.MaxConcurrentPerConversation),
		zap.Bool("nats", provided.NATS != nil))

	// Block until asked to stop. Interrupt and terminate both trigger the
	// graceful path; agent subprocesses get their own copy of the signal via
	// procrpc signal forwarding.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		log.Error("Shutdown finished with errors", zap.Error(err))
	}
	log.Info("agentmux daemon stopped")
}
