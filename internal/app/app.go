// Package app wires configuration, storage, services, and workers into
// the shared core used by cmd/felt-server.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bobmcallan/felt/internal/common"
	"github.com/bobmcallan/felt/internal/interfaces"
	"github.com/bobmcallan/felt/internal/services/broadcast"
	"github.com/bobmcallan/felt/internal/services/financial"
	"github.com/bobmcallan/felt/internal/services/jobmanager"
	"github.com/bobmcallan/felt/internal/services/table"
	"github.com/bobmcallan/felt/internal/storage"
)

// App holds all initialized services, storage, and configuration.
type App struct {
	Config           *common.Config
	Logger           *common.Logger
	Storage          interfaces.StorageManager
	TableService     interfaces.TableService
	FinancialService interfaces.FinancialService
	Broadcaster      *broadcast.Multiplexer
	JobManager       *jobmanager.JobManager
	StartupTime      time.Time
}

// getBinaryDir returns the directory containing the executable.
func getBinaryDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// NewApp initializes configuration, storage, and all services. The
// engine factory is injected: the rules engine is an external
// collaborator the core only orchestrates.
func NewApp(configPath string, engines interfaces.EngineFactory) (*App, error) {
	startupStart := time.Now()

	common.LoadVersionFromFile()

	binDir := getBinaryDir()

	// Load configuration - check provided path, FELT_CONFIG, then binary dir, then fallback
	if configPath == "" {
		configPath = os.Getenv("FELT_CONFIG")
	}
	if configPath == "" {
		configPath = filepath.Join(binDir, "felt-service.toml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "config/felt-service.toml" // fallback for development
		}
	}

	config, err := common.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := common.NewLoggerFromConfig(config.Logging)

	storageManager, err := storage.NewManager(logger, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	tableService := table.NewService(storageManager, engines, logger, config.Tables)
	financialService := financial.NewService(storageManager, tableService, logger, config.HouseUserID)
	tableService.SetFinancial(financialService)

	broadcaster := broadcast.NewMultiplexer(storageManager, engines, logger)

	jobMgr := jobmanager.NewJobManager(
		tableService,
		financialService,
		engines,
		storageManager,
		logger,
		config.Workers,
	)

	a := &App{
		Config:           config,
		Logger:           logger,
		Storage:          storageManager,
		TableService:     tableService,
		FinancialService: financialService,
		Broadcaster:      broadcaster,
		JobManager:       jobMgr,
		StartupTime:      startupStart,
	}

	logger.Info().Dur("startup", time.Since(startupStart)).Msg("App initialized")

	return a, nil
}

// Start brings up recovery, the broadcaster, and the worker pipeline.
func (a *App) Start(ctx context.Context) error {
	restored, err := a.TableService.RecoverTables(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Table recovery incomplete")
	} else if restored > 0 {
		a.Logger.Info().Int("count", restored).Msg("Tables recovered from cold store")
	}

	if err := a.Broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broadcaster: %w", err)
	}

	a.JobManager.Start()
	return nil
}

// Close releases all resources held by the App.
// Shutdown order: stop job manager (workers finish the current job),
// close the broadcaster's subscription and connections, close storage.
func (a *App) Close() {
	if a.JobManager != nil {
		a.JobManager.Stop()
		a.JobManager = nil
	}
	if a.Broadcaster != nil {
		a.Broadcaster.Stop()
		a.Broadcaster = nil
	}
	if a.Storage != nil {
		a.Storage.Close()
		a.Storage = nil
	}
}
