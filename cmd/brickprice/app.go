package main

import (
	"database/sql"
	"time"

	"github.com/MarcoPoloResearchLab/brickprice/internal/aggregation"
	"github.com/MarcoPoloResearchLab/brickprice/internal/config"
	"github.com/MarcoPoloResearchLab/brickprice/internal/credits"
	"github.com/MarcoPoloResearchLab/brickprice/internal/database"
	"github.com/MarcoPoloResearchLab/brickprice/internal/enrichment"
	"github.com/MarcoPoloResearchLab/brickprice/internal/ledger"
	"github.com/MarcoPoloResearchLab/brickprice/internal/logging"
	"github.com/MarcoPoloResearchLab/brickprice/internal/metrics"
	"github.com/MarcoPoloResearchLab/brickprice/internal/pricing"
	"github.com/MarcoPoloResearchLab/brickprice/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// application holds the process-wide dependencies shared by every command.
type application struct {
	cfg      config.AppConfig
	logger   *zap.Logger
	sqlDB    *sql.DB
	store    *ledger.GormStore
	accounts *users.Service
	registry *prometheus.Registry
	metrics  *metrics.Recorder
}

func openApplication(serving bool) (*application, error) {
	var (
		appConfig config.AppConfig
		err       error
	)
	if serving {
		appConfig, err = config.Load(viper.GetViper())
	} else {
		appConfig, err = config.LoadWorker(viper.GetViper())
	}
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(appConfig.DatabaseOptions(), logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	store, err := ledger.NewGormStore(db)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}
	accounts, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewRecorder(registry)
	if err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &application{
		cfg:      appConfig,
		logger:   logger,
		sqlDB:    sqlDB,
		store:    store,
		accounts: accounts,
		registry: registry,
		metrics:  recorder,
	}, nil
}

func (a *application) Close() {
	if err := a.sqlDB.Close(); err != nil {
		a.logger.Warn("failed to close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *application) enrichmentWorker() (*enrichment.Worker, error) {
	creditService, err := credits.NewService(credits.ServiceConfig{
		Pricing: a.cfg.Pricing,
		Clock:   time.Now,
	})
	if err != nil {
		return nil, err
	}
	return enrichment.NewWorker(enrichment.WorkerConfig{
		Store:      a.store,
		Accounts:   a.accounts,
		Credits:    creditService,
		Pricing:    a.cfg.Pricing,
		Clock:      time.Now,
		IDProvider: ledger.NewUUIDProvider(),
		Metrics:    a.metrics,
		Logger:     a.logger,
		BatchSize:  a.cfg.WorkerBatchSize,
	})
}

func (a *application) aggregationWorker() (*aggregation.Worker, error) {
	return aggregation.NewWorker(aggregation.WorkerConfig{
		Store:      a.store,
		Pricing:    a.cfg.Pricing,
		Clock:      time.Now,
		Random:     pricing.NewRandomSource(),
		IDProvider: ledger.NewUUIDProvider(),
		Metrics:    a.metrics,
		Logger:     a.logger,
		BatchSize:  a.cfg.WorkerBatchSize,
	})
}
