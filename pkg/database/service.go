package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"go.uber.org/zap"

	"oracle_consensus/pkg/config"
	"oracle_consensus/pkg/data"
)

// Service manages the node's database: optionally an embedded Postgres
// instance for single-binary deployments, plus the repository on top.
type Service struct {
	config   *config.DatabaseConfig
	logger   *zap.Logger
	embedded *embeddedpostgres.EmbeddedPostgres
	repo     *data.PostgresRepository

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg *config.DatabaseConfig, logger *zap.Logger) *Service {
	return &Service{
		config: cfg,
		logger: logger,
	}
}

// Start brings up the embedded server when configured, connects the
// repository pool and runs schema setup.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	if s.config.Embedded {
		embedded := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
			Port(s.config.Port).
			DataPath(s.config.DataDir).
			StartTimeout(s.config.Timeout))
		if err := embedded.Start(); err != nil {
			return fmt.Errorf("starting embedded database: %w", err)
		}
		s.embedded = embedded
		s.logger.Info("Embedded database started",
			zap.Uint32("port", s.config.Port),
			zap.String("dataDir", s.config.DataDir))
	}

	repo, err := data.NewPostgresRepository(ctx, s.config.URL, s.logger)
	if err != nil {
		s.stopEmbedded()
		return fmt.Errorf("initializing repository: %w", err)
	}

	if err := repo.InitSchema(ctx); err != nil {
		repo.Close()
		s.stopEmbedded()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.repo = repo
	s.isRunning = true
	s.logger.Info("Database service started successfully")
	return nil
}

// Stop closes the repository pool and shuts down the embedded server
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	if s.repo != nil {
		s.repo.Close()
	}
	s.stopEmbedded()

	s.isRunning = false
	s.logger.Info("Database service stopped")
	return nil
}

// GetRepository returns the data repository
func (s *Service) GetRepository() data.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.repo
}

// IsHealthy checks database health
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning || s.repo == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.repo.Ping(ctx) == nil
}

func (s *Service) stopEmbedded() {
	if s.embedded == nil {
		return
	}
	if err := s.embedded.Stop(); err != nil {
		s.logger.Warn("failed to stop embedded database", zap.Error(err))
	}
	s.embedded = nil
}
