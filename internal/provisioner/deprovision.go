package provisioner

import (
	"context"
	"fmt"

	"github.com/shopraft/modprov/internal/ddl"
	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/internal/registry"
)

// DeprovisionResult reports what a deprovision removed
type DeprovisionResult struct {
	Success        bool
	DroppedSchema  string
	DroppedTables  []string
	RetainedShared []string
}

// Deprovision removes a module's structural footprint. Targets come from
// the registry entry only, never from live-object name scans. Shared-mode
// modules lose only their registry entry; their rows in platform tables
// are untouched.
func (p *Provisioner) Deprovision(ctx context.Context, moduleID string) (*DeprovisionResult, error) {
	entry, err := p.ledger.Lookup(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if entry.Status == registry.StatusMigrating {
		return nil, registry.ErrProvisionInProgress
	}

	identity := naming.ModuleIdentity{ModuleID: entry.ModuleID, PublisherID: entry.PublisherID}
	if _, err := p.ledger.BeginMigration(ctx, identity, entry.ShortID, entry.IsolationMode); err != nil {
		return nil, err
	}

	result := &DeprovisionResult{
		Success:       true,
		DroppedTables: []string{},
	}

	fail := func(cause error) (*DeprovisionResult, error) {
		// The entry stays migrating for the operator; restoring active
		// after partial drops would record ownership of objects that are
		// already gone
		p.logger.Errorf("Deprovision of %s failed mid-sequence, entry left migrating: %v", moduleID, cause)
		return nil, fmt.Errorf("deprovision failed, manual cleanup required: %w", cause)
	}

	switch entry.IsolationMode {
	case naming.IsolationSchema:
		// Cascade covers the module's tables, indexes, constraints, and
		// policies in one step
		stmt := ddl.DropSchema{Name: entry.SchemaName, Cascade: true, IfExists: true}
		if err := p.guard.Execute(ctx, stmt, moduleID); err != nil {
			return fail(err)
		}
		result.DroppedSchema = entry.SchemaName
		result.DroppedTables = entry.TableNames

	case naming.IsolationPrefix:
		for _, qualified := range entry.TableNames {
			stmt := ddl.DropTable{Name: qualified, Cascade: true, IfExists: true}
			if err := p.guard.Execute(ctx, stmt, moduleID); err != nil {
				return fail(err)
			}
			result.DroppedTables = append(result.DroppedTables, qualified)
		}

	case naming.IsolationShared:
		result.RetainedShared = entry.TableNames

	default:
		return fail(fmt.Errorf("registry entry has unknown isolation mode %q", entry.IsolationMode))
	}

	if err := p.ledger.Delete(ctx, moduleID); err != nil {
		return fail(fmt.Errorf("objects dropped but registry entry could not be removed: %w", err))
	}

	p.logger.Infof("Deprovisioned module %s (%d tables dropped)", moduleID, len(result.DroppedTables))
	return result, nil
}
