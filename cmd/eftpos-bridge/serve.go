package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"eftpos-bridge/internal/api"

	"golang.org/x/sync/errgroup"
)

// runServer starts the API, the reconciler, the transaction log sink and the
// settings watcher, and stops them all on SIGINT or SIGTERM.
func runServer(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Infof("Starting eftpos-bridge %s (%s)", version, cfg.Environment)

	app, err := newApplication(cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	server := api.NewServer(cfg.Server, api.Deps{
		Facade:     app.facade,
		Ledger:     app.ledger,
		Reconciler: app.reconciler,
		Settings:   app.settings,
		Providers:  app.providers,
		Metrics:    app.metrics,
		TxLog:      app.sink,
		Store:      app.store,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error { return app.reconciler.Run(gctx) })
	g.Go(func() error { return app.sink.Run(gctx) })
	g.Go(func() error { return app.providers.Watch(gctx, app.settings) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Errorf("Error during shutdown: %v", err)
		}
		app.providers.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("Bridge stopped with error: %v", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}
