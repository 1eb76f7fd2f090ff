package service

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/shopraft/modprov/pkg/config"
	"github.com/shopraft/modprov/pkg/health"
	"github.com/shopraft/modprov/pkg/logger"
)

// State describes the lifecycle state of a service
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

// Service interface that all services must implement
type Service interface {
	// Initialize is called before starting
	Initialize(ctx context.Context, config *config.Config) error

	// Start begins the service's main work
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service
	Stop(ctx context.Context, gracePeriod time.Duration) error

	// CollectMetrics returns current service metrics
	CollectMetrics() map[string]int64

	// HealthChecks returns service-specific health check functions
	HealthChecks() map[string]health.CheckFunc
}

// GRPCServerAware is an optional interface that services can implement
// if they need access to the shared gRPC server
type GRPCServerAware interface {
	SetGRPCServer(server *grpc.Server)
}

// LoggerAware is an optional interface that services can implement
// if they need access to the logger
type LoggerAware interface {
	SetLogger(logger *logger.Logger)
}

// BaseService provides common functionality for all services
type BaseService struct {
	// Service identification
	Name       string
	Version    string
	InstanceID string

	// Network configuration
	Port int

	// Core components
	Logger        *logger.Logger
	Config        *config.Config
	HealthChecker *health.Checker

	grpcServer   *grpc.Server
	healthServer *grpchealth.Server

	// State management
	mu        sync.RWMutex
	state     State
	stopCh    chan struct{}
	stoppedCh chan struct{}

	// Service implementation
	impl Service

	listener net.Listener
}

// NewBaseService creates a new base service instance
func NewBaseService(name, version string, port int, impl Service) *BaseService {
	return &BaseService{
		Name:          name,
		Version:       version,
		InstanceID:    uuid.New().String(),
		Port:          port,
		Logger:        logger.New(name, version),
		Config:        config.New(),
		HealthChecker: health.NewChecker(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
		impl:          impl,
	}
}

// Run starts the service and manages its lifecycle
func (s *BaseService) Run(ctx context.Context) error {
	s.setState(StateStarting)

	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	if gRPCAware, ok := s.impl.(GRPCServerAware); ok {
		gRPCAware.SetGRPCServer(s.grpcServer)
	}

	if loggerAware, ok := s.impl.(LoggerAware); ok {
		loggerAware.SetLogger(s.Logger)
	}

	if err := s.impl.Initialize(ctx, s.Config); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}
	s.Logger.Infof("Service implementation initialized successfully")

	s.startServing()

	go s.healthCheckLoop(ctx)
	go s.metricsLoop(ctx)
	go s.logDrainLoop(ctx)

	if err := s.impl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	s.setState(StateRunning)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Logger.Info("Service started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		s.Logger.Info("Received shutdown signal")
	case <-s.stopCh:
		s.Logger.Info("Received stop command")
	case <-ctx.Done():
		s.Logger.Info("Context cancelled")
	}

	s.setState(StateStopping)
	return s.shutdown(ctx)
}

// Stop requests a graceful shutdown and waits for it to complete
func (s *BaseService) Stop() {
	close(s.stopCh)
	<-s.stoppedCh
}

func (s *BaseService) startGRPCServer() error {
	maxRetries := 3
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.Port))
		if err != nil {
			if attempt < maxRetries {
				s.Logger.Warnf("Failed to bind to port %d (attempt %d/%d): %v, retrying...", s.Port, attempt, maxRetries, err)
				time.Sleep(retryDelay)
				retryDelay *= 2
				continue
			}
			return fmt.Errorf("failed to listen on port %d after %d attempts: %w", s.Port, maxRetries, err)
		}

		var opts []grpc.ServerOption
		opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Second,
			MaxConnectionAge:  30 * time.Second,
			Time:              5 * time.Second,
			Timeout:           1 * time.Second,
		}))

		s.grpcServer = grpc.NewServer(opts...)

		s.healthServer = grpchealth.NewServer()
		healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
		s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		s.Logger.Infof("gRPC server created on port %d", s.Port)

		s.listener = lis
		return nil
	}

	return fmt.Errorf("failed to start gRPC server after %d attempts", maxRetries)
}

func (s *BaseService) startServing() {
	if s.grpcServer != nil && s.listener != nil {
		s.Logger.Infof("Starting gRPC server on port %d", s.Port)

		go func() {
			if err := s.grpcServer.Serve(s.listener); err != nil {
				s.Logger.Errorf("Failed to serve: %v", err)
			}
		}()
	}
}

func (s *BaseService) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	checks := s.impl.HealthChecks()

	for {
		select {
		case <-ticker.C:
			for name, checkFunc := range checks {
				s.HealthChecker.RunCheck(name, checkFunc)
			}

			status := healthpb.HealthCheckResponse_SERVING
			if s.HealthChecker.GetOverallStatus() == health.StatusUnhealthy {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			s.healthServer.SetServingStatus("", status)

		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *BaseService) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			custom := s.impl.CollectMetrics()
			s.Logger.Debugf("metrics: mem=%d goroutines=%d custom=%v",
				getMemoryUsage(), runtime.NumGoroutine(), custom)

		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// logDrainLoop mirrors log entries to a file when MODPROV_LOG_FILE is set
func (s *BaseService) logDrainLoop(ctx context.Context) {
	path := os.Getenv("MODPROV_LOG_FILE")
	if path == "" {
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.Logger.Errorf("Failed to open log file %s: %v", path, err)
		return
	}
	defer f.Close()

	logCh := s.Logger.Subscribe()

	for {
		select {
		case entry := <-logCh:
			line := fmt.Sprintf("%s [%s] [%s] %s\n",
				entry.Time.Format(time.RFC3339Nano), s.Name, entry.Level, entry.Message)
			if _, err := f.WriteString(line); err != nil {
				s.Logger.Errorf("Failed to write log file: %v", err)
				return
			}

		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *BaseService) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// GetState returns the current lifecycle state
func (s *BaseService) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *BaseService) shutdown(ctx context.Context) error {
	s.Logger.Info("Starting graceful shutdown")

	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	gracePeriod := 30 * time.Second
	if err := s.impl.Stop(ctx, gracePeriod); err != nil {
		s.Logger.Errorf("Service implementation shutdown error: %v", err)
	}

	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	close(s.stoppedCh)
	s.setState(StateStopped)
	s.Logger.Info("Service stopped")

	return nil
}
