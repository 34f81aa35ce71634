package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seiler-io/jetgate/internal/config"
	"github.com/seiler-io/jetgate/internal/gateway"
	"github.com/seiler-io/jetgate/internal/history"
	"github.com/seiler-io/jetgate/internal/logger"
	"github.com/seiler-io/jetgate/internal/recording"
	"github.com/seiler-io/jetgate/internal/session"
	"github.com/seiler-io/jetgate/internal/subscriber"
)

func main() {
	root := &cobra.Command{
		Use:   "jetgate",
		Short: "session gateway with resumable recording",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return run(configPath)
		},
	}

	root.Flags().String("config", "jetgate.yaml", "config file path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	conf, err := config.Open(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := conf.Get()

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := session.NewRegistry()
	recHandle, recManager := recording.New(cfg.RecordingsDir)
	events := subscriber.NewChannel()

	srv := gateway.NewServer(ctx, conf, registry, recHandle, store, events)
	srv.RateLimit = gateway.NewRateLimiter(20, 40)
	recManager.OnEvict = srv.HandleRecordingEvicted

	managerDone := make(chan error, 1)
	go func() { managerDone <- recManager.Run(ctx) }()

	go func() {
		if err := conf.Watch(ctx); err != nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	go subscriber.Run(ctx, conf, events)

	poller := &subscriber.Poller{Registry: registry, Tx: events}
	go poller.Run(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("jetgate listening", "addr", cfg.Listen, "recordings", cfg.RecordingsDir)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		stop()
		recHandle.Close()
		<-managerDone
		return fmt.Errorf("http server: %w", err)
	}

	// Stop accepting and wait for in-flight handlers; cancelled pushers
	// close their streams and send final disconnects on the way out.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
		httpSrv.Close()
	}
	srv.WaitPushers()

	// All producers are done: let the draining manager flush and exit.
	recHandle.Close()
	if err := <-managerDone; err != nil {
		return fmt.Errorf("recording manager: %w", err)
	}

	return nil
}
