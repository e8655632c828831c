// Command aiaclient is the main entry point for the device-side message
// plane client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/aiaclient/internal/app"
	"github.com/MrWong99/aiaclient/internal/config"
	"github.com/MrWong99/aiaclient/internal/debugws"
	"github.com/MrWong99/aiaclient/internal/health"
	"github.com/MrWong99/aiaclient/internal/observe"
	"github.com/MrWong99/aiaclient/internal/registration"
	"github.com/MrWong99/aiaclient/internal/uxmanager"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ───────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aiaclient: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aiaclient: %v\n", err)
		}
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "aiaclient: invalid config: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("aiaclient starting",
		"config", *configPath,
		"broker", cfg.Broker.URL,
		"client_id", cfg.Device.ClientID,
	)

	// ── Application wiring ────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aiaclient"})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Registration bootstrap ────────────────────────────────────────────────
	if cfg.Registration.Endpoint != "" {
		reg := registration.New(registration.Config{
			Endpoint:  cfg.Registration.Endpoint,
			ClientID:  cfg.Device.ClientID,
			AuthToken: cfg.Registration.AuthToken,
		})
		result, err := reg.Register(ctx)
		if err != nil {
			slog.Error("registration failed", "err", err)
			return 1
		}
		if cfg.Device.TopicRoot == "" {
			cfg.Device.TopicRoot = result.TopicRoot
		}
		slog.Info("registration complete", "topic_root", result.TopicRoot, "endpoint", result.IoTEndpoint)
	}

	hub := debugws.New()
	application, err := app.New(ctx, cfg, app.WithUXObserver(func(s uxmanager.State) { hub.Broadcast(s) }))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Diagnostics server ────────────────────────────────────────────────────
	var diagServer *http.Server
	if cfg.Server.ListenAddr != "" {
		diagServer = startDiagnosticsServer(cfg.Server.ListenAddr, hub)
	}

	slog.Info("client ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if diagServer != nil {
		if err := diagServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("diagnostics server shutdown error", "err", err)
		}
	}
	if err := hub.Close(); err != nil {
		slog.Warn("debug stream shutdown error", "err", err)
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// startDiagnosticsServer serves /healthz, /readyz, /metrics, and a websocket
// debug stream at /debug/stream on a background goroutine, and returns the
// server so the caller can shut it down.
func startDiagnosticsServer(addr string, hub *debugws.Hub) *http.Server {
	mux := http.NewServeMux()
	health.New().Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/debug/stream", hub)

	srv := &http.Server{Addr: addr, Handler: observe.Middleware(observe.DefaultMetrics())(mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("diagnostics server error", "err", err)
		}
	}()
	slog.Info("diagnostics server listening", "addr", addr)
	return srv
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
