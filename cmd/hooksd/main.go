// Command hooksd runs the webhook ingestion service: HTTP ingress, the
// retry scheduler, the retry wake-up consumer and the periodic sweepers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gocmd "github.com/goliatone/go-command"
	hooks "github.com/goliatone/go-hooks"
	hooksgocommand "github.com/goliatone/go-hooks/adapters/gocommand"
	"github.com/goliatone/go-hooks/adapters/gologger"
	"github.com/goliatone/go-hooks/server"
	sqlstore "github.com/goliatone/go-hooks/store/sql"
	"github.com/goliatone/go-hooks/telemetry"
	"github.com/joho/godotenv"
	"github.com/sourcegraph/conc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hooksd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("HOOKS_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	// A missing .env is fine outside local development.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := hooks.LoadConfig(ctx, *configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := gologger.NewSlogLogger(os.Stdout, cfg.Log.Level)

	metrics, err := telemetry.NewProvider(ctx, cfg.ServiceName, cfg.Telemetry)
	if err != nil {
		return err
	}

	client, err := openDatabase(ctx, cfg.ServiceName, cfg.Database)
	if err != nil {
		return err
	}
	defer client.Close()

	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return fmt.Errorf("new repository factory: %w", err)
	}
	stores, err := hooks.StoresFromFactory(factory)
	if err != nil {
		return err
	}

	runtimeOpts := []hooks.Option{
		hooks.WithLogger(logger),
		hooks.WithMetrics(metrics.Recorder()),
	}
	wakeups, err := openWakeupQueue(ctx, cfg, client)
	if err != nil {
		return fmt.Errorf("open wake-up queue: %w", err)
	}
	if wakeups != nil {
		runtimeOpts = append(runtimeOpts, hooks.WithJobQueue(wakeups, wakeups))
	}

	rt, err := hooks.New(cfg, stores, runtimeOpts...)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	registration, err := rt.RegisterCommands(hooksgocommand.NewRegistryAdapter(gocmd.NewRegistry()))
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	defer registration.Close()

	srv, err := server.New(rt)
	if err != nil {
		return err
	}
	httpServer := srv.HTTPServer()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var wg conc.WaitGroup
	wg.Go(func() { rt.RunWorkers(workerCtx) })

	serveErr := make(chan error, 1)
	wg.Go(func() {
		logger.Info("http server listening", "addr", httpServer.Addr, "sources", rt.Dispatcher().Sources())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("http shutdown failed", "error", shutdownErr)
	}
	rt.Drain()
	stopWorkers()
	wg.Wait()

	if flushErr := metrics.ForceFlush(shutdownCtx); flushErr != nil {
		logger.Warn("metrics flush failed", "error", flushErr)
	}
	if shutdownErr := metrics.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("metrics shutdown failed", "error", shutdownErr)
	}
	logger.Info("hooksd stopped")
	return err
}

func shutdownTimeout(cfg hooks.Config) time.Duration {
	if cfg.HTTP.ShutdownTimeout > 0 {
		return cfg.HTTP.ShutdownTimeout
	}
	return 10 * time.Second
}
