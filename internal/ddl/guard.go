package ddl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/pkg/logger"
)

// ErrForbiddenOperation indicates a statement targeting a namespace the
// requesting module does not own, or a protected platform object. Fatal:
// callers abort the whole sequence.
var ErrForbiddenOperation = errors.New("forbidden operation")

// Executor runs one rendered statement against the database
type Executor interface {
	Exec(ctx context.Context, sql string) error
}

// PoolExecutor executes statements on a pgx connection pool
type PoolExecutor struct {
	pool *pgxpool.Pool
}

// NewPoolExecutor wraps a pgx pool as an Executor
func NewPoolExecutor(pool *pgxpool.Pool) *PoolExecutor {
	return &PoolExecutor{pool: pool}
}

func (e *PoolExecutor) Exec(ctx context.Context, sql string) error {
	_, err := e.pool.Exec(ctx, sql)
	return err
}

// OwnershipResolver maps a module to its registered ShortID. The registry
// implements this; a module without a registered claim owns nothing.
type OwnershipResolver interface {
	ResolveShortID(ctx context.Context, moduleID string) (naming.ShortID, bool, error)
}

// AuditRecorder persists the audit trail of executed statements
type AuditRecorder interface {
	RecordStatement(ctx context.Context, moduleID, kind, sql string) error
}

// Guard is the restricted gateway through which every structural statement
// reaches the database. Only members of the closed Statement set are
// accepted; each is checked against the requesting module's namespace and
// the protected platform object set before execution. Statements are never
// retried here.
type Guard struct {
	exec      Executor
	resolver  OwnershipResolver
	protected *naming.ReservedSet
	audit     AuditRecorder
	logger    *logger.Logger
}

// NewGuard creates a guard. The audit recorder is optional.
func NewGuard(exec Executor, resolver OwnershipResolver, protected *naming.ReservedSet, audit AuditRecorder, logger *logger.Logger) *Guard {
	return &Guard{
		exec:      exec,
		resolver:  resolver,
		protected: protected,
		audit:     audit,
		logger:    logger,
	}
}

// Execute vets and runs a single statement on behalf of a module. Failure
// is returned as-is; the caller decides whether it aborts the sequence.
func (g *Guard) Execute(ctx context.Context, stmt Statement, ownerModuleID string) error {
	if stmt == nil {
		return fmt.Errorf("nil statement")
	}
	if ownerModuleID == "" {
		return fmt.Errorf("%w: statement submitted without an owning module", ErrForbiddenOperation)
	}

	shortID, ok, err := g.resolver.ResolveShortID(ctx, ownerModuleID)
	if err != nil {
		return fmt.Errorf("failed to resolve module ownership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: module %q holds no registered namespace claim", ErrForbiddenOperation, ownerModuleID)
	}

	for _, target := range stmt.Targets() {
		if err := g.checkTarget(target, shortID, ownerModuleID); err != nil {
			return err
		}
	}

	sql := stmt.SQL()
	g.logger.Infof("ddl: module=%s kind=%s sql=%s", ownerModuleID, stmt.Kind(), sql)

	if g.audit != nil {
		if err := g.audit.RecordStatement(ctx, ownerModuleID, string(stmt.Kind()), sql); err != nil {
			g.logger.Warnf("Failed to record audit entry for module %s: %v", ownerModuleID, err)
		}
	}

	if err := g.exec.Exec(ctx, sql); err != nil {
		return fmt.Errorf("executing %s for module %s: %w", stmt.Kind(), ownerModuleID, err)
	}

	return nil
}

// checkTarget verifies one mutation target lies inside the module's own
// namespace and clear of protected platform objects
func (g *Guard) checkTarget(target Target, shortID naming.ShortID, ownerModuleID string) error {
	if target.Schema != "" && g.protected.Contains(target.Schema) && !isSharedSchema(target.Schema) {
		return fmt.Errorf("%w: schema %q is protected", ErrForbiddenOperation, target.Schema)
	}
	if target.Table != "" && g.protected.Contains(target.Table) {
		return fmt.Errorf("%w: table %q is protected", ErrForbiddenOperation, target.Table)
	}

	ownSchema := naming.BuildSchemaName(shortID)
	ownPrefix := ownSchema + "_"

	// Schema-level target: must be the module's dedicated schema
	if target.Table == "" {
		if target.Schema != ownSchema {
			return fmt.Errorf("%w: module %q may not touch schema %q", ErrForbiddenOperation, ownerModuleID, target.Schema)
		}
		return nil
	}

	// Table inside the module's dedicated schema
	if target.Schema == ownSchema {
		return nil
	}

	// Prefixed table in the shared schema
	if (target.Schema == "" || isSharedSchema(target.Schema)) && strings.HasPrefix(target.Table, ownPrefix) {
		return nil
	}

	return fmt.Errorf("%w: module %q may not touch %s", ErrForbiddenOperation, ownerModuleID, naming.Qualified(target.Schema, target.Table))
}

func isSharedSchema(schema string) bool {
	return schema == "" || schema == "public"
}
