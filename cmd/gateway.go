package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/deskgate/internal/channels"
	"github.com/nextlevelbuilder/deskgate/internal/config"
	httpapi "github.com/nextlevelbuilder/deskgate/internal/http"
	"github.com/nextlevelbuilder/deskgate/internal/precheck"
	"github.com/nextlevelbuilder/deskgate/internal/tracing"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the callback server with inputs and outputs workers (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway()
		},
	}
}

// bootstrap loads config, installs logging and tracing, and builds the app.
// The returned cleanup must run on exit.
func bootstrap(ctx context.Context) (*app, func(), error) {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setup tracing: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, nil, err
	}

	cleanup := func() {
		a.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}
	return a, cleanup, nil
}

func runGateway() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := bootstrap(ctx)
	if err != nil {
		slog.Error("gateway startup failed", "error", err)
		return err
	}
	defer cleanup()
	cfg := a.cfg

	// Keyword/VIP rules reload without restart.
	if cfg.Precheck.RulesFile != "" {
		if w, err := precheck.NewWatcher(a.gate, cfg.Precheck.RulesFile); err != nil {
			slog.Warn("precheck watcher unavailable", "error", err)
		} else {
			w.Start(ctx)
			defer w.Stop()
		}
	}

	mux := http.NewServeMux()
	limiter := channels.NewWebhookRateLimiter(cfg.Gateway.CallbackRate, cfg.Gateway.CallbackBurst)
	httpapi.NewCallbackHandler(a.channels, a.pipeline(), limiter, cfg.Gateway.MaxBodyBytes).RegisterRoutes(mux)
	health := httpapi.NewHealthHandler(0)
	health.AddCheck("agents", a.agents.HealthCheck)
	health.AddCheck("channels", a.channels.HealthCheck)
	health.AddCheck("stores", a.stores.Ping)
	health.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(cfg.Gateway.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("deskgate gateway starting",
		"version", Version,
		"addr", server.Addr,
		"queue", cfg.Queue.Backend,
		"lock", cfg.Lock.Backend,
		"managed", cfg.IsManagedMode(),
		"channels", a.channels.GetEnabledChannels(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("graceful shutdown initiated")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})
	g.Go(func() error { return ignoreCanceled(a.inputsWorker().Run(gctx, cfg.Queue.InputWorkers)) })
	g.Go(func() error { return ignoreCanceled(a.outputsWorker().Run(gctx, cfg.Queue.OutputWorkers)) })

	if err := g.Wait(); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		return err
	}
	slog.Info("gateway stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
