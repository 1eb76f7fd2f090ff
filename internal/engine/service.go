package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopraft/modprov/pkg/config"
	"github.com/shopraft/modprov/pkg/database"
	"github.com/shopraft/modprov/pkg/health"
	"github.com/shopraft/modprov/pkg/logger"
)

type Service struct {
	engine *Engine
	config *config.Config
	logger *logger.Logger
	db     *database.PostgreSQL
	redis  *database.Redis
}

func NewService() *Service {
	return &Service{}
}

// SetLogger implements the service.LoggerAware interface
func (s *Service) SetLogger(logger *logger.Logger) {
	s.logger = logger
	if s.engine != nil {
		s.engine.SetLogger(logger)
	}
}

func (s *Service) Initialize(ctx context.Context, cfg *config.Config) error {
	s.config = cfg

	cfg.SetRestartKeys([]string{
		"database.name",
		"database.host",
		"database.port",
		"server.port",
	})

	dbConfig := database.FromGlobalConfig(cfg)
	db, err := database.New(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	// Cache is optional; without it every lookup hits the database
	redisConfig := database.RedisFromGlobalConfig(cfg)
	redis, err := database.NewRedis(ctx, redisConfig)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnf("Redis unavailable, registry cache disabled: %v", err)
		}
	} else {
		s.redis = redis
	}

	s.engine = NewEngine(cfg)
	s.engine.SetDatabase(s.db)
	s.engine.SetRedis(s.redis)

	if s.logger != nil {
		s.engine.SetLogger(s.logger)
	}

	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Info("Starting provisioner service")
	}

	if s.engine != nil {
		if err := s.engine.Start(ctx); err != nil {
			if s.logger != nil {
				s.logger.Errorf("Provisioning engine start failed: %v", err)
			}
			return fmt.Errorf("failed to start provisioning engine: %w", err)
		}
	}

	if s.logger != nil {
		s.logger.Info("Provisioner service started successfully")
	}
	return nil
}

func (s *Service) Stop(ctx context.Context, gracePeriod time.Duration) error {
	if s.logger != nil {
		s.logger.Info("Stopping provisioner service")
	}

	if s.engine != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), gracePeriod)
		defer cancel()

		if err := s.engine.Stop(stopCtx); err != nil {
			if s.logger != nil {
				s.logger.Errorf("Failed to stop provisioning engine: %v", err)
			}
		}
	}

	if s.redis != nil {
		s.redis.Close()
	}

	if s.db != nil {
		s.db.Close()
		if s.logger != nil {
			s.logger.Info("Database connection closed")
		}
	}

	return nil
}

// Engine exposes the wired engine for embedding callers
func (s *Service) Engine() *Engine {
	return s.engine
}

func (s *Service) CollectMetrics() map[string]int64 {
	if s.engine == nil {
		return nil
	}
	return s.engine.GetMetrics()
}

func (s *Service) HealthChecks() map[string]health.CheckFunc {
	return map[string]health.CheckFunc{
		"engine":   s.checkEngine,
		"database": s.checkDatabase,
		"cache":    s.checkCache,
	}
}

func (s *Service) checkEngine() error {
	if s.engine == nil {
		return fmt.Errorf("service not initialized")
	}
	return s.engine.CheckHealth()
}

func (s *Service) checkDatabase() error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.db.Pool().Ping(ctx)
}

func (s *Service) checkCache() error {
	if s.redis == nil {
		// Optional dependency; absence is degraded, not unhealthy
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return s.redis.Ping(ctx)
}
