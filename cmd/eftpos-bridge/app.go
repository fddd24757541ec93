package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"eftpos-bridge/internal/config"
	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/driver"
	"eftpos-bridge/internal/ledger"
	"eftpos-bridge/internal/metrics"
	"eftpos-bridge/internal/providers"
	_ "eftpos-bridge/internal/providers/smartpay"
	_ "eftpos-bridge/internal/providers/tyro"
	_ "eftpos-bridge/internal/providers/verifone"
	_ "eftpos-bridge/internal/providers/windcave"
	"eftpos-bridge/internal/service"
	"eftpos-bridge/internal/settings"
	"eftpos-bridge/internal/txlog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// application holds every long-lived component of the bridge.
type application struct {
	cfg        *config.Config
	logger     *zap.SugaredLogger
	clock      clockwork.Clock
	store      *core.KVStore
	metrics    *metrics.Provider
	payments   metrics.Payments
	gate       *ledger.Gate
	ledger     *ledger.Ledger
	reconciler *ledger.Reconciler
	sink       *txlog.Sink
	settings   *settings.Manager
	providers  *service.ProviderManager
	facade     *driver.Facade
}

func loadConfig() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := core.NewAppLogger(core.LogConfig{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		Environment: cfg.Environment,
		Version:     version,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newApplication(cfg *config.Config, logger *zap.SugaredLogger) (*application, error) {
	app := &application{
		cfg:    cfg,
		logger: logger,
		clock:  clockwork.NewRealClock(),
		gate:   ledger.NewGate(),
	}

	var err error
	if cfg.Storage.InMemory {
		app.store, err = core.NewInMemoryKVStore(logger)
	} else {
		dir := filepath.Join(core.GetDataDirectory(cfg.Storage.DataDir), "badger")
		app.store, err = core.NewKVStore(dir, cfg.Storage.MaxSizeMB, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	app.store.SetEvictable(txlog.KeyPrefix)

	app.payments = metrics.NoOp{}
	if cfg.Metrics.Enabled {
		if app.metrics, err = metrics.NewProvider(); err != nil {
			app.close()
			return nil, err
		}
		if app.payments, err = metrics.NewPayments(app.metrics.MeterProvider()); err != nil {
			app.close()
			return nil, err
		}
	}

	app.ledger = ledger.New(app.store, logger,
		ledger.WithCaps(cfg.Ledger.MaxAttemptsPerDay, cfg.Ledger.MaxAttempts),
		ledger.OnAbandon(func(rec ledger.Record) {
			logger.Errorw("Unresolved transaction needs manual resolution",
				"transaction_id", rec.TransactionID,
				"provider", rec.Provider,
				"amount", rec.Amount,
				"attempts", rec.TotalRetryCount,
				"last_error", rec.LastError,
			)
		}),
	)

	writer, err := app.logWriter()
	if err != nil {
		app.close()
		return nil, err
	}
	app.sink = txlog.NewSink(writer, txlog.Config{
		QueueSize:     cfg.TxLog.QueueSize,
		FlushInterval: cfg.TxLog.FlushInterval,
		Retention:     cfg.TxLog.Retention,
		RestaurantID:  cfg.TxLog.RestaurantID,
	}, app.clock, logger.Named("txlog"))
	app.sink.SetMetrics(app.payments)

	app.providers = service.NewProviderManager(providers.Deps{
		Logger: logger,
		Clock:  app.clock,
	})
	app.settings = settings.NewManager(logger, app.store)
	app.settings.SetValidator(app.providers.Validate)
	if err := app.activateProvider(); err != nil {
		app.close()
		return nil, err
	}

	app.reconciler = ledger.NewReconciler(app.ledger, app.gate, app.providers.Refetcher, app.clock, logger.Named("reconciler"))
	app.reconciler.SetInterval(cfg.Ledger.Interval)
	app.reconciler.SetAttemptTimeout(cfg.Ledger.AttemptTimeout)
	app.reconciler.SetMetrics(app.payments)

	app.facade = driver.New(driver.Deps{
		Providers:       app.providers,
		Ledger:          app.ledger,
		Gate:            app.gate,
		Sink:            app.sink,
		Metrics:         app.payments,
		Clock:           app.clock,
		Logger:          logger,
		RefetchTimeout:  cfg.Ledger.RefetchTimeout,
		QuestionTimeout: cfg.Provider.QuestionTimeout,
	})
	return app, nil
}

// logWriter always keeps a local copy in the store and adds the file and
// remote collector writers when configured.
func (app *application) logWriter() (txlog.Writer, error) {
	writers := txlog.MultiWriter{txlog.NewKVWriter(app.store, app.clock)}
	if dir := app.cfg.TxLog.FileDir; dir != "" {
		audit, err := core.NewAuditLogger(dir, "txlog", app.cfg.TxLog.FileMaxSizeMB, app.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open transaction log directory: %w", err)
		}
		writers = append(writers, txlog.NewFileWriter(audit))
	}
	if url := app.cfg.TxLog.CollectorURL; url != "" {
		writers = append(writers, txlog.NewHTTPWriter(url, app.cfg.TxLog.CollectorToken, nil, app.clock))
	}
	return writers, nil
}

// activateProvider restores the persisted provider configuration, falling
// back to the one in the config file, and builds the provider.
func (app *application) activateProvider() error {
	found, err := app.settings.Load()
	if err != nil {
		app.logger.Warnf("Ignoring stored provider settings: %v", err)
	}
	if !found && app.cfg.Provider.Name != "" {
		raw, err := app.cfg.Provider.SettingsJSON()
		if err != nil {
			return err
		}
		err = app.settings.Activate(&settings.ProviderConfig{
			Provider:      app.cfg.Provider.Name,
			SkipSignature: app.cfg.Provider.SkipSignature,
			Settings:      raw,
		})
		if err != nil {
			return fmt.Errorf("invalid provider configuration: %w", err)
		}
	}

	active := app.settings.GetActiveProvider()
	if active == nil {
		app.logger.Warn("No payment provider configured; waiting for /eftpos_config")
		return nil
	}
	if err := app.providers.HandleConfigChange(active); err != nil {
		app.logger.Errorf("Failed to start provider %s: %v", active.Provider, err)
	}
	return nil
}

func (app *application) close() {
	if app.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		app.sink.Flush(ctx)
		cancel()
	}
	var errs []error
	if app.metrics != nil {
		errs = append(errs, app.metrics.Shutdown(context.Background()))
	}
	if app.store != nil {
		errs = append(errs, app.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		app.logger.Errorf("Shutdown error: %v", err)
	}
}
