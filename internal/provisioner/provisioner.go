// Package provisioner orchestrates the structural operations realizing a
// module's declared data model, and reverses them. Forward steps push
// their inverses onto a saga stack; failure rolls the stack back in
// reverse order. Ownership is recorded in the registry only after full
// success.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopraft/modprov/internal/ddl"
	"github.com/shopraft/modprov/internal/isolation"
	"github.com/shopraft/modprov/internal/manifest"
	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/internal/registry"
	"github.com/shopraft/modprov/pkg/logger"
)

// DefaultBaselineRole is granted usage on newly created module schemas
const DefaultBaselineRole = "modprov_app"

// Ledger is the registry surface the provisioner depends on
type Ledger interface {
	BeginMigration(ctx context.Context, identity naming.ModuleIdentity, shortID naming.ShortID, mode naming.IsolationMode) (existed bool, err error)
	MarkActive(ctx context.Context, moduleID, schemaName string, tableNames, globallyShared []string) error
	AbortMigration(ctx context.Context, moduleID string, existedBefore bool) error
	Lookup(ctx context.Context, moduleID string) (*registry.Entry, error)
	Delete(ctx context.Context, moduleID string) error
	WaitNotMigrating(ctx context.Context, moduleID string, timeout time.Duration) error
}

// Options tunes provisioning behavior
type Options struct {
	// LockWait bounds how long a provision waits for a concurrent run on
	// the same module before failing with ErrProvisionInProgress. Zero
	// means fail fast.
	LockWait time.Duration

	// BaselineRole receives usage on newly created module schemas
	BaselineRole string
}

// Provisioner realizes and reverses module data models
type Provisioner struct {
	guard        *ddl.Guard
	ledger       Ledger
	introspector Introspector
	installer    *isolation.Installer
	reserved     *naming.ReservedSet
	logger       *logger.Logger
	opts         Options
}

// New creates a provisioner
func New(guard *ddl.Guard, ledger Ledger, introspector Introspector, installer *isolation.Installer, reserved *naming.ReservedSet, logger *logger.Logger, opts Options) *Provisioner {
	if opts.BaselineRole == "" {
		opts.BaselineRole = DefaultBaselineRole
	}
	return &Provisioner{
		guard:        guard,
		ledger:       ledger,
		introspector: introspector,
		installer:    installer,
		reserved:     reserved,
		logger:       logger,
		opts:         opts,
	}
}

// ProvisionResult reports a successful provision
type ProvisionResult struct {
	Success        bool
	ShortID        naming.ShortID
	SchemaName     string
	TableNames     []string
	GloballyShared []string
}

// realizedTable pairs a declaration with its real names and the
// create-if-absent decision from the dry run
type realizedTable struct {
	def    *manifest.TableDefinition
	schema string
	table  string
	skip   bool
}

// Provision realizes a module's declared data model. Validation errors are
// returned before anything touches the database; execution errors trigger
// compensating rollback and come back as *PartialFailureError.
func (p *Provisioner) Provision(ctx context.Context, m *manifest.Manifest) (*ProvisionResult, error) {
	return p.provision(ctx, m, false)
}

// Recover re-runs a provision whose previous attempt crashed mid-sequence,
// taking over the stale migrating claim. Tolerated by create-if-absent
// semantics: objects built before the crash are kept if they match.
func (p *Provisioner) Recover(ctx context.Context, m *manifest.Manifest) (*ProvisionResult, error) {
	return p.provision(ctx, m, true)
}

func (p *Provisioner) provision(ctx context.Context, m *manifest.Manifest, takeover bool) (*ProvisionResult, error) {
	if err := manifest.Validate(m); err != nil {
		return nil, err
	}

	shortID := naming.Allocate(m.Module)

	schemaName := ""
	if m.IsolationMode == naming.IsolationSchema {
		schemaName = naming.BuildSchemaName(shortID)
	}

	tables, err := p.realizeNames(m, shortID)
	if err != nil {
		return nil, err
	}

	existed, err := p.claim(ctx, m, shortID, takeover)
	if err != nil {
		return nil, err
	}

	// Dry-run conflict check: no statement is generated until every
	// existing table is known to match its declaration
	for i := range tables {
		r := &tables[i]
		live, exists, err := p.introspector.TableShape(ctx, r.schema, r.table)
		if err != nil {
			p.release(ctx, m.Module.ModuleID, existed, takeover)
			return nil, fmt.Errorf("failed to inspect %s: %w", naming.Qualified(r.schema, r.table), err)
		}
		if exists {
			if err := compareShape(r.def, live); err != nil {
				p.release(ctx, m.Module.ModuleID, existed, takeover)
				return nil, err
			}
			r.skip = true
		}
	}

	result, perr := p.execute(ctx, m, shortID, schemaName, tables)
	if perr != nil {
		p.release(ctx, m.Module.ModuleID, existed, takeover)
		return nil, perr
	}

	if err := p.ledger.MarkActive(ctx, m.Module.ModuleID, result.SchemaName, result.TableNames, result.GloballyShared); err != nil {
		p.release(ctx, m.Module.ModuleID, existed, takeover)
		return nil, fmt.Errorf("provisioned objects exist but ownership could not be recorded: %w", err)
	}

	p.logger.Infof("Provisioned module %s as %s (%d tables)", m.Module.ModuleID, shortID, len(result.TableNames))
	return result, nil
}

// realizeNames precomputes every real name and runs the reserved-name
// checks, so nothing reaches the guard for a manifest that could never be
// allowed
func (p *Provisioner) realizeNames(m *manifest.Manifest, shortID naming.ShortID) ([]realizedTable, error) {
	var tables []realizedTable
	for i := range m.Tables {
		t := &m.Tables[i]
		if err := p.reserved.AssertNotReserved(t.LogicalName); err != nil {
			return nil, err
		}

		if m.IsolationMode == naming.IsolationShared {
			continue
		}

		schema, table, err := naming.BuildTableName(shortID, t.LogicalName, m.IsolationMode)
		if err != nil {
			return nil, err
		}
		if err := p.reserved.AssertNotReserved(table); err != nil {
			return nil, err
		}
		tables = append(tables, realizedTable{def: t, schema: schema, table: table})
	}
	return tables, nil
}

func (p *Provisioner) claim(ctx context.Context, m *manifest.Manifest, shortID naming.ShortID, takeover bool) (bool, error) {
	if takeover {
		entry, err := p.ledger.Lookup(ctx, m.Module.ModuleID)
		if err != nil {
			return false, err
		}
		if entry.Status != registry.StatusMigrating {
			return false, fmt.Errorf("module %s is %s, not migrating; nothing to recover", m.Module.ModuleID, entry.Status)
		}
		if entry.ShortID != shortID {
			return false, fmt.Errorf("registered short id %q does not match derived %q", entry.ShortID, shortID)
		}
		if entry.IsolationMode != m.IsolationMode {
			return false, fmt.Errorf("%w: isolation mode is %q, manifest declares %q",
				ErrMigrationRequired, entry.IsolationMode, m.IsolationMode)
		}
		return true, nil
	}

	existed, err := p.ledger.BeginMigration(ctx, m.Module, shortID, m.IsolationMode)
	if errors.Is(err, registry.ErrProvisionInProgress) && p.opts.LockWait > 0 {
		if waitErr := p.ledger.WaitNotMigrating(ctx, m.Module.ModuleID, p.opts.LockWait); waitErr != nil {
			return false, waitErr
		}
		existed, err = p.ledger.BeginMigration(ctx, m.Module, shortID, m.IsolationMode)
	}
	if err != nil || !existed {
		return existed, err
	}

	// Re-provision of an existing module: the recorded isolation mode is
	// part of the realized layout, so a mode change is drift, never a
	// silent relayout over the old objects
	entry, err := p.ledger.Lookup(ctx, m.Module.ModuleID)
	if err != nil {
		p.release(ctx, m.Module.ModuleID, true, false)
		return false, err
	}
	if entry.IsolationMode != m.IsolationMode {
		p.release(ctx, m.Module.ModuleID, true, false)
		return false, fmt.Errorf("%w: isolation mode is %q, manifest declares %q",
			ErrMigrationRequired, entry.IsolationMode, m.IsolationMode)
	}

	return true, nil
}

// release undoes the registry claim after a failed run. A takeover run
// leaves the claim in place: the module is still mid-recovery and stays
// migrating for the operator.
func (p *Provisioner) release(ctx context.Context, moduleID string, existed, takeover bool) {
	if takeover {
		return
	}
	if err := p.ledger.AbortMigration(ctx, moduleID, existed); err != nil {
		p.logger.Errorf("Failed to release registry claim for %s: %v", moduleID, err)
	}
}

// execute runs the forward sequence, rolling back on failure
func (p *Provisioner) execute(ctx context.Context, m *manifest.Manifest, shortID naming.ShortID, schemaName string, tables []realizedTable) (*ProvisionResult, error) {
	moduleID := m.Module.ModuleID
	result := &ProvisionResult{
		Success:        true,
		ShortID:        shortID,
		SchemaName:     schemaName,
		TableNames:     []string{},
		GloballyShared: []string{},
	}

	if m.IsolationMode == naming.IsolationShared {
		// Rows live in platform-owned shared storage; ownership is
		// recorded, nothing is created
		return result, nil
	}

	var saga []ddl.Statement

	run := func(stmt ddl.Statement, compensate bool) error {
		if err := p.guard.Execute(ctx, stmt, moduleID); err != nil {
			return err
		}
		if compensate {
			if inverse, ok := stmt.Inverse(); ok {
				saga = append(saga, inverse)
			}
		}
		return nil
	}

	fail := func(cause error) (*ProvisionResult, error) {
		rollbackErrs := p.rollback(ctx, saga, moduleID)
		perr := &PartialFailureError{Cause: cause, RollbackErrs: rollbackErrs}
		if perr.Clean() {
			p.logger.Warnf("Provision of %s failed, rolled back cleanly: %v", moduleID, cause)
		} else {
			p.logger.Errorf("Provision of %s failed and rollback left residue, manual cleanup required: %v", moduleID, perr)
		}
		return nil, perr
	}

	if m.IsolationMode == naming.IsolationSchema {
		schemaExisted, err := p.introspector.SchemaExists(ctx, schemaName)
		if err != nil {
			return fail(fmt.Errorf("failed to inspect schema %s: %w", schemaName, err))
		}
		if err := run(ddl.CreateSchema{Name: schemaName, IfNotExists: true}, !schemaExisted); err != nil {
			return fail(err)
		}
		if err := run(ddl.GrantUsage{Schema: schemaName, Role: p.opts.BaselineRole}, !schemaExisted); err != nil {
			return fail(err)
		}
	}

	for i := range tables {
		r := &tables[i]
		qualified := naming.Qualified(r.schema, r.table)

		if r.skip {
			// Live shape already matches the declaration
			p.logger.Debugf("Table %s already matches declaration, skipping", qualified)
			result.TableNames = append(result.TableNames, qualified)
			if r.def.TenantColumn == "" {
				result.GloballyShared = append(result.GloballyShared, qualified)
			}
			continue
		}

		if err := run(p.buildCreateTable(r), true); err != nil {
			return fail(err)
		}

		for _, idx := range r.def.Indexes {
			if err := run(p.buildCreateIndex(r, idx), true); err != nil {
				return fail(err)
			}
		}

		for _, fk := range r.def.ForeignKeys {
			stmt, err := p.buildForeignKey(m, shortID, r, fk)
			if err != nil {
				return fail(err)
			}
			if err := run(stmt, true); err != nil {
				return fail(err)
			}
		}

		// Isolation is part of the table's own step: the table never
		// becomes active with its policy pending
		if r.def.TenantColumn != "" {
			for _, stmt := range p.installer.Statements(r.schema, r.table, r.def.TenantColumn) {
				if err := run(stmt, true); err != nil {
					return fail(err)
				}
			}
		} else {
			result.GloballyShared = append(result.GloballyShared, qualified)
		}

		result.TableNames = append(result.TableNames, qualified)
	}

	return result, nil
}

// rollback executes the saga's inverses in reverse order, collecting
// secondary errors without masking the original failure
func (p *Provisioner) rollback(ctx context.Context, saga []ddl.Statement, moduleID string) []error {
	var rollbackErrs []error
	for i := len(saga) - 1; i >= 0; i-- {
		stmt := saga[i]
		if err := p.guard.Execute(ctx, stmt, moduleID); err != nil {
			p.logger.Errorf("Rollback statement failed for %s: %v", moduleID, err)
			rollbackErrs = append(rollbackErrs, err)
		}
	}
	return rollbackErrs
}

func (p *Provisioner) buildCreateTable(r *realizedTable) ddl.CreateTable {
	columns := make([]ddl.ColumnSpec, 0, len(r.def.Columns))
	var primaryKey []string
	for _, col := range r.def.Columns {
		columns = append(columns, ddl.ColumnSpec{
			Name:     col.Name,
			DataType: col.DataType,
			Nullable: col.Nullable,
			Default:  col.Default,
		})
		if col.PrimaryKey {
			primaryKey = append(primaryKey, col.Name)
		}
	}
	return ddl.CreateTable{
		Schema:      r.schema,
		Name:        r.table,
		Columns:     columns,
		PrimaryKey:  primaryKey,
		IfNotExists: true,
	}
}

func (p *Provisioner) buildCreateIndex(r *realizedTable, idx manifest.Index) ddl.CreateIndex {
	var name string
	if idx.Name == "" {
		name = naming.BuildConstraintName(r.table, idx.Columns[0]+"_idx")
	} else {
		name = naming.BuildConstraintName(r.table, idx.Name)
	}
	return ddl.CreateIndex{
		Schema:      r.schema,
		Table:       r.table,
		Name:        name,
		Columns:     idx.Columns,
		Unique:      idx.Unique,
		IfNotExists: true,
	}
}

// buildForeignKey resolves the reference target: a logical name from the
// same manifest maps to its realized name, a declared dependency is used
// as given
func (p *Provisioner) buildForeignKey(m *manifest.Manifest, shortID naming.ShortID, r *realizedTable, fk manifest.ForeignKey) (ddl.Statement, error) {
	refSchema := ""
	refTable := fk.RefTable

	if m.Table(fk.RefTable) != nil {
		var err error
		refSchema, refTable, err = naming.BuildTableName(shortID, fk.RefTable, m.IsolationMode)
		if err != nil {
			return nil, err
		}
	}

	var name string
	if fk.Name == "" {
		name = naming.BuildConstraintName(r.table, fk.Columns[0]+"_fkey")
	} else {
		name = naming.BuildConstraintName(r.table, fk.Name)
	}

	return ddl.AddForeignKey{
		Schema:     r.schema,
		Table:      r.table,
		Name:       name,
		Columns:    fk.Columns,
		RefSchema:  refSchema,
		RefTable:   refTable,
		RefColumns: fk.RefColumns,
		OnDelete:   fk.OnDelete,
	}, nil
}
