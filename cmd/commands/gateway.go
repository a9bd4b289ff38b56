package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/in-the-loop-labs/reviewagent/internal/bridge"
	"github.com/in-the-loop-labs/reviewagent/internal/broadcaster"
	"github.com/in-the-loop-labs/reviewagent/internal/config"
	"github.com/in-the-loop-labs/reviewagent/internal/events"
	"github.com/in-the-loop-labs/reviewagent/internal/gateway"
	"github.com/in-the-loop-labs/reviewagent/internal/heartbeat"
	"github.com/in-the-loop-labs/reviewagent/internal/providers"
	"github.com/in-the-loop-labs/reviewagent/internal/reviewsession"
	"github.com/in-the-loop-labs/reviewagent/internal/storage"
	"github.com/in-the-loop-labs/reviewagent/internal/store"
)

const gatewayShutdownGrace = 5 * time.Second

// NewGatewayCommand returns the gateway subcommand.
func NewGatewayCommand() *cli.Command {
	return &cli.Command{
		Name:  "gateway",
		Usage: "Start the reviewagent gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runGateway,
	}
}

func runGateway(_ context.Context, cmd *cli.Command) error {
	configPath := cmd.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Warn("config not found, using defaults", "path", configPath, "error", err)
		cfg = &config.Config{}
		cfg.Gateway.Host = "127.0.0.1"
		cfg.Gateway.Port = 18420
		cfg.Events.BufferSize = 1024
		cfg.Events.LogLevel = "info"
	}

	logLevel := resolveLogLevel(cfg.Events.LogLevel)
	if cmd.Bool("debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	logsDir := filepath.Join(config.ReviewAgentPath(), "logs")
	eventLogger := storage.NewEventLogger(logsDir, bus)
	defer eventLogger.Close()

	reg, err := buildProviderRegistry(cfg)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	reg.SetEventBus(bus)

	st, err := store.Open(ctx, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	mgr := reviewsession.NewManager(st, reg, newBridge)
	mgr.SetEventBus(bus)
	if err := mgr.ReconcileOnStartup(ctx); err != nil {
		slog.Warn("reconcile sessions on startup", "error", err)
	}
	defer mgr.CloseAll(ctx)

	hbWriter := heartbeat.NewWriter(filepath.Join(config.ReviewAgentPath(), "heartbeat.json"))
	hbWriter.Start()
	defer hbWriter.Stop()

	bcast := broadcaster.New()
	defer bcast.CloseAll()

	server := gateway.NewServer(bus, st, mgr, bcast, cfg.Gateway.Host, cfg.Gateway.Port)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gatewayShutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildProviderRegistry seeds the registry from providers.yaml (falling
// back to the built-in table), then layers config-file overrides and
// REVIEWAGENT_<PROVIDER>_CMD environment overrides on top.
func buildProviderRegistry(cfg *config.Config) (*providers.Registry, error) {
	known, err := providers.LoadSeedFile(config.ProvidersSeedPath())
	if err != nil {
		return nil, err
	}

	reg := providers.New(known)
	reg.ApplyOverrides(cfg.Agents.Providers)
	reg.ApplyEnvOverrides()
	return reg, nil
}

// newBridge dispatches to the concrete Bridge variant matching the
// provider's declared wire protocol.
func newBridge(kind providers.Kind, opts bridge.Options) bridge.Bridge {
	switch kind {
	case providers.KindRPC:
		return bridge.NewRPC(opts)
	case providers.KindJSONL:
		return bridge.NewJSONL(opts)
	default:
		return bridge.NewNDJSON(opts)
	}
}

func resolveLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
