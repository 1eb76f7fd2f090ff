// Package engine wires the provisioning subsystem together and exposes
// its operations to the service layer.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopraft/modprov/internal/bootstrap"
	"github.com/shopraft/modprov/internal/ddl"
	"github.com/shopraft/modprov/internal/isolation"
	"github.com/shopraft/modprov/internal/manifest"
	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/internal/provisioner"
	"github.com/shopraft/modprov/internal/registry"
	"github.com/shopraft/modprov/pkg/config"
	"github.com/shopraft/modprov/pkg/database"
	"github.com/shopraft/modprov/pkg/logger"
)

type Engine struct {
	config *config.Config
	logger *logger.Logger
	db     *database.PostgreSQL
	redis  *database.Redis

	registry    *registry.Service
	guard       *ddl.Guard
	provisioner *provisioner.Provisioner

	state struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
	metrics struct {
		provisionsCompleted   int64
		deprovisionsCompleted int64
		lookups               int64
		errors                int64
	}
}

func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		config: cfg,
	}
}

// SetLogger sets the logger for the engine
func (e *Engine) SetLogger(logger *logger.Logger) {
	e.logger = logger
}

// SetDatabase sets the database connection for the engine
func (e *Engine) SetDatabase(db *database.PostgreSQL) {
	e.db = db
}

// SetRedis sets the optional cache connection for the engine
func (e *Engine) SetRedis(redis *database.Redis) {
	e.redis = redis
}

// GetDatabase returns the database connection
func (e *Engine) GetDatabase() *database.PostgreSQL {
	return e.db
}

func (e *Engine) Start(ctx context.Context) error {
	if e.logger != nil {
		e.logger.Info("Starting provisioning engine")
	}

	e.state.Lock()
	if e.state.isRunning {
		e.state.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	if e.db == nil {
		return fmt.Errorf("database not provided to engine")
	}

	// The ledger tables must exist before any operation can record
	// ownership
	if err := bootstrap.Apply(ctx, e.db.Pool()); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}

	var cache *registry.Cache
	if e.redis != nil {
		cache = registry.NewCache(e.redis, e.logger)
	}
	e.registry = registry.NewService(e.db.Pool(), cache, e.logger)

	reserved := naming.NewReservedSet(bootstrap.DefaultReservedNames())
	e.guard = ddl.NewGuard(
		ddl.NewPoolExecutor(e.db.Pool()),
		e.registry,
		reserved,
		e.registry,
		e.logger,
	)

	installer := isolation.NewInstaller(isolation.NewSessionAuthorizer(e.tenantSetting()))
	introspector := provisioner.NewPgIntrospector(e.db.Pool())

	e.provisioner = provisioner.New(e.guard, e.registry, introspector, installer, reserved, e.logger, provisioner.Options{
		LockWait:     e.config.GetDuration("provisioner.lock_wait", 0),
		BaselineRole: e.config.GetOrDefault("provisioner.baseline_role", provisioner.DefaultBaselineRole),
	})

	if e.logger != nil {
		e.logger.Info("Provisioning engine started successfully")
	}
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	if e.logger != nil {
		e.logger.Info("Provisioning engine stopped")
	}
	return nil
}

func (e *Engine) tenantSetting() string {
	return e.config.GetOrDefault("isolation.tenant_setting", isolation.DefaultTenantSetting)
}

// Provision realizes a module's declared data model
func (e *Engine) Provision(ctx context.Context, m *manifest.Manifest) (*provisioner.ProvisionResult, error) {
	e.trackOperation()
	defer e.untrackOperation()

	result, err := e.provisioner.Provision(ctx, m)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return nil, err
	}
	atomic.AddInt64(&e.metrics.provisionsCompleted, 1)
	return result, nil
}

// Recover resumes a provision left mid-sequence by a crash
func (e *Engine) Recover(ctx context.Context, m *manifest.Manifest) (*provisioner.ProvisionResult, error) {
	e.trackOperation()
	defer e.untrackOperation()

	result, err := e.provisioner.Recover(ctx, m)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return nil, err
	}
	atomic.AddInt64(&e.metrics.provisionsCompleted, 1)
	return result, nil
}

// Deprovision removes a module's structural footprint
func (e *Engine) Deprovision(ctx context.Context, moduleID string) (*provisioner.DeprovisionResult, error) {
	e.trackOperation()
	defer e.untrackOperation()

	result, err := e.provisioner.Deprovision(ctx, moduleID)
	if err != nil {
		atomic.AddInt64(&e.metrics.errors, 1)
		return nil, err
	}
	atomic.AddInt64(&e.metrics.deprovisionsCompleted, 1)
	return result, nil
}

// Lookup returns the registry entry for a module
func (e *Engine) Lookup(ctx context.Context, moduleID string) (*registry.Entry, error) {
	atomic.AddInt64(&e.metrics.lookups, 1)
	return e.registry.Lookup(ctx, moduleID)
}

// ListAll returns every registry entry
func (e *Engine) ListAll(ctx context.Context) ([]*registry.Entry, error) {
	return e.registry.ListAll(ctx)
}

// Deprecate flags a module's entry without touching its objects
func (e *Engine) Deprecate(ctx context.Context, moduleID string) error {
	return e.registry.MarkDeprecated(ctx, moduleID)
}

// FindOrphans reports live module-named objects with no registry entry
func (e *Engine) FindOrphans(ctx context.Context) ([]string, error) {
	return e.registry.FindOrphans(ctx)
}

func (e *Engine) GetMetrics() map[string]int64 {
	return map[string]int64{
		"provisions_completed":   atomic.LoadInt64(&e.metrics.provisionsCompleted),
		"deprovisions_completed": atomic.LoadInt64(&e.metrics.deprovisionsCompleted),
		"lookups":                atomic.LoadInt64(&e.metrics.lookups),
		"errors":                 atomic.LoadInt64(&e.metrics.errors),
	}
}

func (e *Engine) CheckHealth() error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return fmt.Errorf("engine not running")
	}
	return nil
}

func (e *Engine) trackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
}

func (e *Engine) untrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}
