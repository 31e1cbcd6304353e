package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/mikeyg42/mecam/internal/api"
	"github.com/mikeyg42/mecam/internal/battery"
	"github.com/mikeyg42/mecam/internal/integration"
	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
	"github.com/mikeyg42/mecam/internal/watchdog"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture, detect motion, record and notify until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), ctx)
		},
	}
}

func runDaemon(parent context.Context, cc *commandContext) error {
	provider, logger, err := cc.ensure()
	if err != nil {
		return err
	}
	defer func() { _ = recorderlog.Unwrap(logger).Sync() }()
	cfg := provider.Current()

	if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o750); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(cfg.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another security-camera instance is already running")
	}
	defer func() { _ = lock.Unlock() }()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := integration.NewApp(ctx, provider, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("Close failed", recorderlog.Error(err))
		}
	}()

	loop := watchdog.NewLoop(provider, app.Build, logger,
		watchdog.WithBattery(battery.NewProbe(provider)),
		watchdog.WithStatusSink(statusLogger(logger)))

	var wg sync.WaitGroup
	errCh := make(chan error, 1)

	if cfg.API.Enabled {
		srv := api.NewServer(cfg.API.Listen, api.Deps{
			Watchdog:      loop,
			Artifacts:     app.Index(),
			Frames:        app.Mailbox(),
			Encryption:    app.Encryption(),
			Notifications: app.Dispatcher(),
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
				stop()
			}
		}()
	}

	logger.Info("Security camera starting",
		recorderlog.String("system", cfg.SystemName),
		recorderlog.String("config", provider.Path()),
		recorderlog.String("source", cfg.Capture.Source))

	// Run returns only on cancellation, after the last pipeline is torn down
	_ = loop.Run(ctx)
	wg.Wait()
	logger.Info("Security camera stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// statusLogger logs transitions the operator should see.
func statusLogger(logger recorderlog.Logger) watchdog.SinkFunc {
	var (
		mu   sync.Mutex
		last watchdog.PipelineStatus
	)
	log := logger.Named("status")
	return func(s watchdog.PipelineStatus) {
		mu.Lock()
		prev := last
		last = s
		mu.Unlock()

		switch {
		case s.Terminal && !prev.Terminal:
			log.Error("Pipeline halted, reset required", recorderlog.String("last_error", s.LastError))
		case s.Battery != nil && s.Battery.IsLow && (prev.Battery == nil || !prev.Battery.IsLow):
			log.Warn("Battery low", recorderlog.Any("percent", s.Battery.Percent))
		}
	}
}
