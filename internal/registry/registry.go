// Package registry is the authoritative ownership ledger: which module
// owns which schema and tables, with what isolation, in what lifecycle
// state. Provisioning writes here last on success; deprovisioning reads
// here first and never derives targets any other way.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/pkg/logger"
)

// DB is the query surface the ledger needs. Satisfied by *pgxpool.Pool.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry lifecycle states
const (
	StatusActive     = "active"
	StatusMigrating  = "migrating"
	StatusDeprecated = "deprecated"
)

var (
	// ErrNotFound indicates no registry entry for the module
	ErrNotFound = errors.New("registry entry not found")

	// ErrProvisionInProgress indicates another provision or deprovision
	// holds the module's migrating claim. Transient; retryable.
	ErrProvisionInProgress = errors.New("provision in progress")

	// ErrShortIDConflict indicates the derived ShortID is already claimed
	// by a different module identity
	ErrShortIDConflict = errors.New("short id already claimed by another module")
)

// Entry is one row of the ownership ledger
type Entry struct {
	EntryID        string
	ModuleID       string
	PublisherID    string
	ShortID        naming.ShortID
	IsolationMode  naming.IsolationMode
	SchemaName     string
	TableNames     []string
	GloballyShared []string
	Status         string
	Created        time.Time
	Updated        time.Time
}

// Service handles registry ledger operations
type Service struct {
	db     DB
	cache  *Cache
	logger *logger.Logger
}

// NewService creates a new registry service. The cache is optional.
func NewService(db DB, cache *Cache, logger *logger.Logger) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		logger: logger,
	}
}

const entryColumns = `entry_id, module_id, publisher_id, short_id, isolation_mode,
		schema_name, table_names, globally_shared, status, created, updated`

func scanEntry(row pgx.Row) (*Entry, error) {
	var entry Entry
	err := row.Scan(
		&entry.EntryID,
		&entry.ModuleID,
		&entry.PublisherID,
		&entry.ShortID,
		&entry.IsolationMode,
		&entry.SchemaName,
		&entry.TableNames,
		&entry.GloballyShared,
		&entry.Status,
		&entry.Created,
		&entry.Updated,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// BeginMigration atomically claims the module's migrating status, the
// serialization point for provisioning and deprovisioning. Returns whether
// an entry already existed. A module already migrating yields
// ErrProvisionInProgress; a ShortID held by a different module yields
// ErrShortIDConflict.
func (s *Service) BeginMigration(ctx context.Context, identity naming.ModuleIdentity, shortID naming.ShortID, mode naming.IsolationMode) (bool, error) {
	s.logger.Infof("Claiming migrating status for module %s", identity.ModuleID)

	// Existing entry: flip to migrating only if nothing else holds it
	row := s.db.QueryRow(ctx, `
		UPDATE mod_registry
		SET status = $2, updated = CURRENT_TIMESTAMP
		WHERE module_id = $1 AND status <> $2
		RETURNING short_id
	`, identity.ModuleID, StatusMigrating)

	var claimedShortID string
	err := row.Scan(&claimedShortID)
	switch {
	case err == nil:
		s.invalidate(ctx, identity.ModuleID)
		if claimedShortID != string(shortID) {
			// Should not happen for a stable identity; refuse rather
			// than mix namespaces
			s.clearMigration(ctx, identity.ModuleID)
			return true, fmt.Errorf("registered short id %q does not match derived %q", claimedShortID, shortID)
		}
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Either no entry, or it is already migrating
	default:
		return false, fmt.Errorf("failed to claim migrating status: %w", err)
	}

	var exists bool
	if err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM mod_registry WHERE module_id = $1)", identity.ModuleID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check registry entry existence: %w", err)
	}
	if exists {
		return true, ErrProvisionInProgress
	}

	// Fresh claim
	_, err = s.db.Exec(ctx, `
		INSERT INTO mod_registry (entry_id, module_id, publisher_id, short_id, isolation_mode, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), identity.ModuleID, identity.PublisherID, string(shortID), string(mode), StatusMigrating)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "short_id") {
				return false, fmt.Errorf("%w: %s", ErrShortIDConflict, shortID)
			}
			// Lost the insert race for the same module
			return false, ErrProvisionInProgress
		}
		return false, fmt.Errorf("failed to create registry claim: %w", err)
	}

	return false, nil
}

// MarkActive records the realized names and flips the entry to active.
// Called only after every structural operation has succeeded; ownership is
// never recorded speculatively.
func (s *Service) MarkActive(ctx context.Context, moduleID, schemaName string, tableNames, globallyShared []string) error {
	if tableNames == nil {
		tableNames = []string{}
	}
	if globallyShared == nil {
		globallyShared = []string{}
	}

	commandTag, err := s.db.Exec(ctx, `
		UPDATE mod_registry
		SET status = $2, schema_name = $3, table_names = $4, globally_shared = $5, updated = CURRENT_TIMESTAMP
		WHERE module_id = $1
	`, moduleID, StatusActive, schemaName, tableNames, globallyShared)
	if err != nil {
		s.logger.Errorf("Failed to record ownership for module %s: %v", moduleID, err)
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.invalidate(ctx, moduleID)
	return nil
}

// AbortMigration releases the migrating claim after a failed or rolled
// back run. A claim created fresh for this run is deleted; a pre-existing
// entry is restored to active with its recorded ownership untouched.
func (s *Service) AbortMigration(ctx context.Context, moduleID string, existedBefore bool) error {
	if !existedBefore {
		_, err := s.db.Exec(ctx,
			"DELETE FROM mod_registry WHERE module_id = $1 AND status = $2", moduleID, StatusMigrating)
		if err != nil {
			return fmt.Errorf("failed to release registry claim: %w", err)
		}
		s.invalidate(ctx, moduleID)
		return nil
	}
	return s.clearMigration(ctx, moduleID)
}

func (s *Service) clearMigration(ctx context.Context, moduleID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE mod_registry
		SET status = $2, updated = CURRENT_TIMESTAMP
		WHERE module_id = $1 AND status = $3
	`, moduleID, StatusActive, StatusMigrating)
	if err != nil {
		return fmt.Errorf("failed to restore registry status: %w", err)
	}
	s.invalidate(ctx, moduleID)
	return nil
}

// MarkDeprecated flags an entry as deprecated without touching its objects
func (s *Service) MarkDeprecated(ctx context.Context, moduleID string) error {
	commandTag, err := s.db.Exec(ctx, `
		UPDATE mod_registry
		SET status = $2, updated = CURRENT_TIMESTAMP
		WHERE module_id = $1
	`, moduleID, StatusDeprecated)
	if err != nil {
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.invalidate(ctx, moduleID)
	return nil
}

// Lookup retrieves the registry entry for a module
func (s *Service) Lookup(ctx context.Context, moduleID string) (*Entry, error) {
	if s.cache != nil {
		if entry, ok := s.cache.Get(ctx, moduleID); ok {
			return entry, nil
		}
	}

	query := fmt.Sprintf("SELECT %s FROM mod_registry WHERE module_id = $1", entryColumns)
	entry, err := scanEntry(s.db.QueryRow(ctx, query, moduleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Errorf("Failed to look up registry entry for %s: %v", moduleID, err)
		return nil, err
	}

	if s.cache != nil {
		s.cache.Put(ctx, entry)
	}
	return entry, nil
}

// ListAll retrieves every registry entry
func (s *Service) ListAll(ctx context.Context) ([]*Entry, error) {
	query := fmt.Sprintf("SELECT %s FROM mod_registry ORDER BY module_id", entryColumns)
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		s.logger.Errorf("Failed to list registry entries: %v", err)
		return nil, fmt.Errorf("database query error: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

// Delete removes a registry entry. Called by deprovisioning only after all
// drops have succeeded or were confirmed absent.
func (s *Service) Delete(ctx context.Context, moduleID string) error {
	commandTag, err := s.db.Exec(ctx,
		"DELETE FROM mod_registry WHERE module_id = $1", moduleID)
	if err != nil {
		s.logger.Errorf("Failed to delete registry entry for %s: %v", moduleID, err)
		return err
	}
	if commandTag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.invalidate(ctx, moduleID)
	return nil
}

// ResolveShortID returns the ShortID registered for a module in any
// lifecycle state. Used by the statement guard to decide namespace
// ownership; a migrating claim counts.
func (s *Service) ResolveShortID(ctx context.Context, moduleID string) (naming.ShortID, bool, error) {
	var shortID string
	err := s.db.QueryRow(ctx,
		"SELECT short_id FROM mod_registry WHERE module_id = $1", moduleID).Scan(&shortID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return naming.ShortID(shortID), true, nil
}

// RecordStatement appends one executed statement to the audit trail
func (s *Service) RecordStatement(ctx context.Context, moduleID, kind, sql string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mod_registry_audit (module_id, statement_kind, statement_sql)
		VALUES ($1, $2, $3)
	`, moduleID, kind, sql)
	return err
}

// FindOrphans returns live object names that imply module ownership but
// have no matching registry entry. Audit only; nothing is ever deleted
// from this list automatically.
func (s *Service) FindOrphans(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_name LIKE 'mod\_%' OR table_schema LIKE 'mod\_%'
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan live objects: %w", err)
	}
	defer rows.Close()

	type liveObject struct {
		schema string
		table  string
	}
	var live []liveObject
	for rows.Next() {
		var obj liveObject
		if err := rows.Scan(&obj.schema, &obj.table); err != nil {
			return nil, err
		}
		live = append(live, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	entries, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	owned := OwnedNameSet(entries)

	var orphans []string
	for _, obj := range live {
		// The ledger's own tables are platform objects, not orphans
		if obj.table == "mod_registry" || obj.table == "mod_registry_audit" {
			continue
		}
		qualified := naming.Qualified(nonPublic(obj.schema), obj.table)
		if _, ok := owned[qualified]; !ok {
			orphans = append(orphans, qualified)
		}
	}

	return orphans, nil
}

// OwnedNameSet flattens registry entries into the set of qualified names
// they own
func OwnedNameSet(entries []*Entry) map[string]struct{} {
	owned := make(map[string]struct{})
	for _, entry := range entries {
		for _, table := range entry.TableNames {
			owned[table] = struct{}{}
		}
		if entry.SchemaName != "" {
			owned[entry.SchemaName] = struct{}{}
		}
	}
	return owned
}

func nonPublic(schema string) string {
	if schema == "public" {
		return ""
	}
	return schema
}

func (s *Service) invalidate(ctx context.Context, moduleID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, moduleID)
	}
}

// WaitNotMigrating polls until the module's migrating claim clears or the
// timeout elapses, in which case ErrProvisionInProgress is returned
func (s *Service) WaitNotMigrating(ctx context.Context, moduleID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		entry, err := s.Lookup(ctx, moduleID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Status != StatusMigrating {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrProvisionInProgress
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
