// chatstream server: multiplexes workflow event streams across subscribers,
// parses streamed content into typed parts, and exposes the session API over
// HTTP and WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/workflowkit/chatstream/pkg/api"
	"github.com/workflowkit/chatstream/pkg/config"
	"github.com/workflowkit/chatstream/pkg/reconnect"
	"github.com/workflowkit/chatstream/pkg/session"
	"github.com/workflowkit/chatstream/pkg/stream"
	"github.com/workflowkit/chatstream/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configFile := flag.String("config",
		getEnv("CONFIG_FILE", "./chatstream.yaml"),
		"Path to the settings file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, continuing with existing environment", "error", err)
	}

	// 1. Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting chatstream", "version", version.Full(), "addr", cfg.Server.Addr())

	// 2. Build the stream multiplexer
	var muxOpts []stream.Option
	if cfg.Stream.CancelWhenEmpty {
		muxOpts = append(muxOpts, stream.WithCancelWhenEmpty())
	}
	mux := stream.NewMultiplexer(slog.Default(), muxOpts...)

	// 3. Wire the orchestrator
	// The demo opener replays a scripted reply; deployments swap in a live
	// workflow-server transport here.
	opener := session.NewDemoOpener()
	orch := session.NewOrchestrator(session.Config{
		BackoffBase: cfg.Reconnect.BackoffBase.Std(),
		BackoffMax:  cfg.Reconnect.BackoffMax.Std(),
	}, opener, mux, reconnect.NewScheduler(), slog.Default())
	defer orch.Close()

	// 4. Create the HTTP server
	httpServer := api.NewServer(cfg, orch, slog.Default())

	// 5. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown, bounded
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
}
