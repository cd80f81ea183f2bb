package cli

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/L1nMay/scanconsole/internal/backend"
	"github.com/L1nMay/scanconsole/internal/clock"
	"github.com/L1nMay/scanconsole/internal/config"
	"github.com/L1nMay/scanconsole/internal/controller"
	"github.com/L1nMay/scanconsole/internal/logger"
	"github.com/L1nMay/scanconsole/internal/metrics"
	"github.com/L1nMay/scanconsole/internal/model"
	"github.com/L1nMay/scanconsole/internal/notifier"
	"github.com/L1nMay/scanconsole/internal/progress"
	"github.com/L1nMay/scanconsole/internal/session"
	"github.com/L1nMay/scanconsole/internal/storage"
)

// history is implemented by both the bbolt store and the Postgres archive.
type history interface {
	AddScanRun(run *model.ScanRun) error
	ListScanRuns(limit int) ([]model.ScanRun, error)
	GetStats() (storage.Stats, error)
}

// app is the wired object graph shared by the commands.
type app struct {
	cfg      *config.Config
	store    *storage.Storage
	pg       *storage.Postgres
	history  history
	registry *prometheus.Registry
	ctrl     *controller.Controller
}

// openHistory opens the session store and, when a DSN is configured, the
// Postgres archive that then takes over scan history.
func openHistory(cfg *config.Config) (*storage.Storage, *storage.Postgres, history, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, nil, nil, errors.Wrap(err, "create db dir")
	}
	store, err := storage.NewStorage(cfg.DBPath, storage.WithRetention(cfg.Retention()))
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "open storage")
	}
	if cfg.Database.DSN == "" {
		return store, nil, store, nil
	}

	pg, err := storage.NewPostgres(cfg.Database.DSN)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	if err := pg.Migrate(cfg.Database.MigrationsDir); err != nil {
		_ = pg.Close()
		_ = store.Close()
		return nil, nil, nil, errors.Wrap(err, "migrations failed")
	}
	logger.Infof("scan history archived in postgres")
	return store, pg, pg, nil
}

func newApp(cfg *config.Config) (*app, error) {
	store, pg, hist, err := openHistory(cfg)
	if err != nil {
		return nil, err
	}

	client, err := backend.NewClient(backend.Options{
		BaseURL: cfg.Backend.BaseURL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.BackendTimeout(),
		MaxRPS:  cfg.Backend.MaxRPS,
	})
	if err != nil {
		_ = pg.Close()
		_ = store.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var n controller.Notifier = notifier.Noop{}
	if cfg.Telegram.Enabled {
		n = notifier.NewTelegramNotifier(cfg.Telegram)
	}

	clk := clock.SystemClock{}
	coord := session.NewCoordinator(store, clk)
	pm := progress.NewManager(store, coord, progress.Options{
		Interval: cfg.TickInterval(),
		Clock:    clk,
		Metrics:  m,
	})

	ctrl := controller.New(controller.Deps{
		Backend:     client,
		Coordinator: coord,
		Progress:    pm,
		Store:       store,
		History:     hist,
		Notifier:    n,
	}, controller.Options{
		ResetDelay:   cfg.ResetDelay(),
		Retention:    cfg.Retention(),
		PollInterval: cfg.PollInterval(),
		MaxPolls:     cfg.Session.MaxPolls,
		Clock:        clk,
		Metrics:      m,
	})

	return &app{
		cfg:      cfg,
		store:    store,
		pg:       pg,
		history:  hist,
		registry: reg,
		ctrl:     ctrl,
	}, nil
}

func (a *app) Close() {
	a.ctrl.Close()
	if err := a.pg.Close(); err != nil {
		logger.Warnf("close postgres: %v", err)
	}
	if err := a.store.Close(); err != nil {
		logger.Warnf("close storage: %v", err)
	}
}
