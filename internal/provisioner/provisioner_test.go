package provisioner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopraft/modprov/internal/ddl"
	"github.com/shopraft/modprov/internal/isolation"
	"github.com/shopraft/modprov/internal/manifest"
	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/internal/registry"
	"github.com/shopraft/modprov/pkg/logger"
)

// fakeLedger is an in-memory registry double. It also serves as the
// guard's ownership resolver, the way the real registry does.
type fakeLedger struct {
	entries map[string]*registry.Entry

	beginCalls  int
	abortCalls  int
	activeCalls int
	deleteCalls int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: map[string]*registry.Entry{}}
}

func (l *fakeLedger) BeginMigration(ctx context.Context, identity naming.ModuleIdentity, shortID naming.ShortID, mode naming.IsolationMode) (bool, error) {
	l.beginCalls++
	if entry, ok := l.entries[identity.ModuleID]; ok {
		if entry.Status == registry.StatusMigrating {
			return false, registry.ErrProvisionInProgress
		}
		entry.Status = registry.StatusMigrating
		return true, nil
	}
	l.entries[identity.ModuleID] = &registry.Entry{
		ModuleID:      identity.ModuleID,
		PublisherID:   identity.PublisherID,
		ShortID:       shortID,
		IsolationMode: mode,
		Status:        registry.StatusMigrating,
	}
	return false, nil
}

func (l *fakeLedger) MarkActive(ctx context.Context, moduleID, schemaName string, tableNames, globallyShared []string) error {
	l.activeCalls++
	entry, ok := l.entries[moduleID]
	if !ok {
		return registry.ErrNotFound
	}
	entry.Status = registry.StatusActive
	entry.SchemaName = schemaName
	entry.TableNames = tableNames
	entry.GloballyShared = globallyShared
	return nil
}

func (l *fakeLedger) AbortMigration(ctx context.Context, moduleID string, existedBefore bool) error {
	l.abortCalls++
	if !existedBefore {
		delete(l.entries, moduleID)
		return nil
	}
	if entry, ok := l.entries[moduleID]; ok {
		entry.Status = registry.StatusActive
	}
	return nil
}

func (l *fakeLedger) Lookup(ctx context.Context, moduleID string) (*registry.Entry, error) {
	entry, ok := l.entries[moduleID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return entry, nil
}

func (l *fakeLedger) Delete(ctx context.Context, moduleID string) error {
	l.deleteCalls++
	if _, ok := l.entries[moduleID]; !ok {
		return registry.ErrNotFound
	}
	delete(l.entries, moduleID)
	return nil
}

func (l *fakeLedger) WaitNotMigrating(ctx context.Context, moduleID string, timeout time.Duration) error {
	entry, ok := l.entries[moduleID]
	if !ok || entry.Status != registry.StatusMigrating {
		return nil
	}
	return registry.ErrProvisionInProgress
}

func (l *fakeLedger) ResolveShortID(ctx context.Context, moduleID string) (naming.ShortID, bool, error) {
	entry, ok := l.entries[moduleID]
	if !ok {
		return "", false, nil
	}
	return entry.ShortID, true, nil
}

type recordingExecutor struct {
	executed []string
	failOns  []string
	failWith error
}

func (e *recordingExecutor) Exec(ctx context.Context, sql string) error {
	for _, substr := range e.failOns {
		if strings.Contains(sql, substr) {
			return e.failWith
		}
	}
	e.executed = append(e.executed, sql)
	return nil
}

// fakeIntrospector reports a fixed set of live tables
type fakeIntrospector struct {
	tables  map[string][]LiveColumn
	schemas map[string]bool
}

func newFakeIntrospector() *fakeIntrospector {
	return &fakeIntrospector{
		tables:  map[string][]LiveColumn{},
		schemas: map[string]bool{},
	}
}

func (f *fakeIntrospector) TableShape(ctx context.Context, schema, table string) ([]LiveColumn, bool, error) {
	columns, ok := f.tables[naming.Qualified(schema, table)]
	return columns, ok, nil
}

func (f *fakeIntrospector) SchemaExists(ctx context.Context, schema string) (bool, error) {
	return f.schemas[schema], nil
}

type harness struct {
	provisioner  *Provisioner
	ledger       *fakeLedger
	executor     *recordingExecutor
	introspector *fakeIntrospector
}

func newHarness(opts Options) *harness {
	log := logger.New("test", "1.0.0")
	log.DisableConsoleOutput()

	ledger := newFakeLedger()
	executor := &recordingExecutor{}
	introspector := newFakeIntrospector()

	reserved := naming.NewReservedSet([]string{"users", "orders", "public", "pg_catalog"})
	guard := ddl.NewGuard(executor, ledger, reserved, nil, log)
	installer := isolation.NewInstaller(isolation.NewSessionAuthorizer(""))

	return &harness{
		provisioner:  New(guard, ledger, introspector, installer, reserved, log, opts),
		ledger:       ledger,
		executor:     executor,
		introspector: introspector,
	}
}

func crmManifest(mode naming.IsolationMode) *manifest.Manifest {
	return &manifest.Manifest{
		Module:        naming.ModuleIdentity{ModuleID: "crm", PublisherID: "acme"},
		IsolationMode: mode,
		Tables: []manifest.TableDefinition{
			{
				LogicalName: "companies",
				Columns: []manifest.Column{
					{Name: "company_id", DataType: "uuid", PrimaryKey: true},
					{Name: "tenant_id", DataType: "uuid"},
					{Name: "name", DataType: "varchar(255)"},
				},
				TenantColumn: "tenant_id",
			},
			{
				LogicalName: "contacts",
				Columns: []manifest.Column{
					{Name: "contact_id", DataType: "uuid", PrimaryKey: true},
					{Name: "tenant_id", DataType: "uuid"},
					{Name: "company_id", DataType: "uuid"},
					{Name: "email", DataType: "varchar(255)"},
				},
				Indexes: []manifest.Index{
					{Columns: []string{"email"}, Unique: true},
				},
				ForeignKeys: []manifest.ForeignKey{
					{Columns: []string{"company_id"}, RefTable: "companies", RefColumns: []string{"company_id"}, OnDelete: "CASCADE"},
				},
				TenantColumn: "tenant_id",
			},
		},
	}
}

func TestProvisionSchemaMode(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)

	result, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, shortID, result.ShortID)
	assert.Equal(t, schemaName, result.SchemaName)
	assert.Equal(t, []string{schemaName + ".companies", schemaName + ".contacts"}, result.TableNames)
	assert.Empty(t, result.GloballyShared)

	// Schema, grant, then per table: create, indexes, foreign keys,
	// isolation
	require.NotEmpty(t, h.executor.executed)
	assert.Contains(t, h.executor.executed[0], "CREATE SCHEMA IF NOT EXISTS "+schemaName)
	assert.Contains(t, h.executor.executed[1], "GRANT USAGE ON SCHEMA "+schemaName)

	joined := strings.Join(h.executor.executed, "\n")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+schemaName+".companies")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+schemaName+".contacts")
	assert.Contains(t, joined, "FOREIGN KEY (company_id) REFERENCES "+schemaName+".companies")
	assert.Contains(t, joined, "ENABLE ROW LEVEL SECURITY")
	assert.Contains(t, joined, "CREATE POLICY tenant_isolation")

	entry := h.ledger.entries["crm"]
	require.NotNil(t, entry)
	assert.Equal(t, registry.StatusActive, entry.Status)
	assert.Equal(t, result.TableNames, entry.TableNames)
}

func TestProvisionPrefixMode(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationPrefix)
	shortID := naming.Allocate(m.Module)
	prefix := "mod_" + string(shortID) + "_"

	result, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, "", result.SchemaName)
	assert.Equal(t, []string{prefix + "companies", prefix + "contacts"}, result.TableNames)

	joined := strings.Join(h.executor.executed, "\n")
	assert.NotContains(t, joined, "CREATE SCHEMA")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+prefix+"companies")
}

func TestProvisionSharedMode(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationShared)
	m.Tables[1].ForeignKeys = nil

	result, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	// Ownership recorded, nothing created
	assert.Empty(t, h.executor.executed)
	assert.Equal(t, "", result.SchemaName)
	assert.Empty(t, result.TableNames)
	assert.Equal(t, registry.StatusActive, h.ledger.entries["crm"].Status)
}

func TestProvisionReservedName(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	m.Tables[0].LogicalName = "users"
	m.Tables[1].ForeignKeys[0].RefTable = "users"

	_, err := h.provisioner.Provision(context.Background(), m)
	assert.ErrorIs(t, err, naming.ErrReservedName)

	// Rejected before any claim or statement
	assert.Empty(t, h.executor.executed)
	assert.Zero(t, h.ledger.beginCalls)
}

func TestProvisionInvalidManifest(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	m.Tables[1].ForeignKeys[0].RefTable = "departments"

	_, err := h.provisioner.Provision(context.Background(), m)
	assert.ErrorIs(t, err, manifest.ErrUnknownReference)
	assert.Empty(t, h.executor.executed)
	assert.Zero(t, h.ledger.beginCalls)
}

func TestProvisionShapeDrift(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)

	// Live contacts table with a conflicting column type
	h.introspector.tables[schemaName+".contacts"] = []LiveColumn{
		{Name: "contact_id", DataType: "uuid"},
		{Name: "tenant_id", DataType: "uuid"},
		{Name: "company_id", DataType: "uuid"},
		{Name: "email", DataType: "integer"},
	}

	_, err := h.provisioner.Provision(context.Background(), m)
	assert.ErrorIs(t, err, ErrMigrationRequired)

	// Detected during the dry run: nothing executed, claim released
	assert.Empty(t, h.executor.executed)
	assert.Equal(t, 1, h.ledger.abortCalls)
	assert.NotContains(t, h.ledger.entries, "crm")
}

func TestProvisionSkipsMatchingTables(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)

	h.introspector.schemas[schemaName] = true
	h.introspector.tables[schemaName+".companies"] = []LiveColumn{
		{Name: "company_id", DataType: "uuid"},
		{Name: "tenant_id", DataType: "uuid"},
		{Name: "name", DataType: "character varying"},
	}

	result, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	// companies is kept as-is; only contacts is created
	joined := strings.Join(h.executor.executed, "\n")
	assert.NotContains(t, joined, "CREATE TABLE IF NOT EXISTS "+schemaName+".companies")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+schemaName+".contacts")
	assert.Equal(t, []string{schemaName + ".companies", schemaName + ".contacts"}, result.TableNames)
}

func TestProvisionRollbackOnFailure(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)

	// Fail on the second table's create
	h.executor.failOns = []string{"CREATE TABLE IF NOT EXISTS " + schemaName + ".contacts"}
	h.executor.failWith = assert.AnError

	_, err := h.provisioner.Provision(context.Background(), m)

	var perr *PartialFailureError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Clean())
	assert.ErrorIs(t, perr, assert.AnError)

	// Compensations run in reverse: policy and row security on companies
	// first, then the table, grant, and schema
	var rollback []string
	for _, sql := range h.executor.executed {
		if strings.HasPrefix(sql, "DROP") || strings.HasPrefix(sql, "REVOKE") ||
			strings.Contains(sql, "DISABLE ROW LEVEL SECURITY") {
			rollback = append(rollback, sql)
		}
	}
	require.Len(t, rollback, 5)
	assert.Contains(t, rollback[0], "DROP POLICY")
	assert.Contains(t, rollback[1], "DISABLE ROW LEVEL SECURITY")
	assert.Contains(t, rollback[2], "DROP TABLE IF EXISTS "+schemaName+".companies")
	assert.Contains(t, rollback[3], "REVOKE USAGE ON SCHEMA "+schemaName)
	assert.Contains(t, rollback[4], "DROP SCHEMA IF EXISTS "+schemaName)

	// Fresh claim released entirely
	assert.NotContains(t, h.ledger.entries, "crm")
}

func TestProvisionDirtyRollback(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)

	// The second create fails, and so does the compensation dropping the
	// first table
	h.executor.failOns = []string{
		"CREATE TABLE IF NOT EXISTS " + schemaName + ".contacts",
		"DROP TABLE IF EXISTS " + schemaName + ".companies",
	}
	h.executor.failWith = assert.AnError

	_, err := h.provisioner.Provision(context.Background(), m)

	var perr *PartialFailureError
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Clean())
	assert.Len(t, perr.RollbackErrs, 1)
	assert.Contains(t, perr.Error(), "manual cleanup required")
}

func TestProvisionConcurrentClaim(t *testing.T) {
	t.Run("FailFast", func(t *testing.T) {
		h := newHarness(Options{})
		m := crmManifest(naming.IsolationSchema)
		h.ledger.entries["crm"] = &registry.Entry{
			ModuleID: "crm",
			ShortID:  naming.Allocate(m.Module),
			Status:   registry.StatusMigrating,
		}

		_, err := h.provisioner.Provision(context.Background(), m)
		assert.ErrorIs(t, err, registry.ErrProvisionInProgress)
		assert.Empty(t, h.executor.executed)
	})

	t.Run("WaitsWhenConfigured", func(t *testing.T) {
		h := newHarness(Options{LockWait: time.Second})
		m := crmManifest(naming.IsolationSchema)
		h.ledger.entries["crm"] = &registry.Entry{
			ModuleID: "crm",
			ShortID:  naming.Allocate(m.Module),
			Status:   registry.StatusMigrating,
		}

		_, err := h.provisioner.Provision(context.Background(), m)
		// The fake never clears the claim, so the wait itself times out
		assert.ErrorIs(t, err, registry.ErrProvisionInProgress)
		assert.Equal(t, 1, h.ledger.beginCalls)
	})
}

func TestProvisionIsolationModeDrift(t *testing.T) {
	h := newHarness(Options{})

	_, err := h.provisioner.Provision(context.Background(), crmManifest(naming.IsolationPrefix))
	require.NoError(t, err)

	h.executor.executed = nil
	_, err = h.provisioner.Provision(context.Background(), crmManifest(naming.IsolationSchema))
	assert.ErrorIs(t, err, ErrMigrationRequired)

	// Nothing executed, claim released, first run's layout untouched
	assert.Empty(t, h.executor.executed)
	entry := h.ledger.entries["crm"]
	require.NotNil(t, entry)
	assert.Equal(t, registry.StatusActive, entry.Status)
	assert.Equal(t, naming.IsolationPrefix, entry.IsolationMode)

	// Teardown still works against the recorded mode
	result, err := h.provisioner.Deprovision(context.Background(), "crm")
	require.NoError(t, err)
	assert.Len(t, result.DroppedTables, 2)
}

func TestRecoverRejectsIsolationModeDrift(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	h.ledger.entries["crm"] = &registry.Entry{
		ModuleID:      "crm",
		PublisherID:   "acme",
		ShortID:       naming.Allocate(m.Module),
		IsolationMode: naming.IsolationPrefix,
		Status:        registry.StatusMigrating,
	}

	_, err := h.provisioner.Recover(context.Background(), m)
	assert.ErrorIs(t, err, ErrMigrationRequired)
	assert.Empty(t, h.executor.executed)
}

func TestProvisionIdempotentRerun(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)

	first, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	// Mirror the created objects into the introspector, as a live
	// database would report them
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)
	h.introspector.schemas[schemaName] = true
	h.introspector.tables[schemaName+".companies"] = []LiveColumn{
		{Name: "company_id", DataType: "uuid"},
		{Name: "tenant_id", DataType: "uuid"},
		{Name: "name", DataType: "character varying"},
	}
	h.introspector.tables[schemaName+".contacts"] = []LiveColumn{
		{Name: "contact_id", DataType: "uuid"},
		{Name: "tenant_id", DataType: "uuid"},
		{Name: "company_id", DataType: "uuid"},
		{Name: "email", DataType: "character varying"},
	}

	h.executor.executed = nil
	second, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, first.TableNames, second.TableNames)
	assert.Empty(t, h.executor.executed)
	assert.Equal(t, registry.StatusActive, h.ledger.entries["crm"].Status)
}

func TestRecover(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)
	shortID := naming.Allocate(m.Module)
	schemaName := naming.BuildSchemaName(shortID)

	// A crashed run left a migrating claim and the first table behind
	h.ledger.entries["crm"] = &registry.Entry{
		ModuleID:      "crm",
		PublisherID:   "acme",
		ShortID:       shortID,
		IsolationMode: naming.IsolationSchema,
		Status:        registry.StatusMigrating,
	}
	h.introspector.schemas[schemaName] = true
	h.introspector.tables[schemaName+".companies"] = []LiveColumn{
		{Name: "company_id", DataType: "uuid"},
		{Name: "tenant_id", DataType: "uuid"},
		{Name: "name", DataType: "character varying"},
	}

	result, err := h.provisioner.Recover(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, []string{schemaName + ".companies", schemaName + ".contacts"}, result.TableNames)
	assert.Equal(t, registry.StatusActive, h.ledger.entries["crm"].Status)

	// Only the missing table was built
	joined := strings.Join(h.executor.executed, "\n")
	assert.NotContains(t, joined, schemaName+".companies (")
	assert.Contains(t, joined, "CREATE TABLE IF NOT EXISTS "+schemaName+".contacts")
}

func TestRecoverRejectsActiveEntry(t *testing.T) {
	h := newHarness(Options{})
	m := crmManifest(naming.IsolationSchema)

	_, err := h.provisioner.Provision(context.Background(), m)
	require.NoError(t, err)

	_, err = h.provisioner.Recover(context.Background(), m)
	assert.Error(t, err)
}

func TestDeprovision(t *testing.T) {
	t.Run("SchemaMode", func(t *testing.T) {
		h := newHarness(Options{})
		m := crmManifest(naming.IsolationSchema)
		_, err := h.provisioner.Provision(context.Background(), m)
		require.NoError(t, err)

		h.executor.executed = nil
		result, err := h.provisioner.Deprovision(context.Background(), "crm")
		require.NoError(t, err)

		shortID := naming.Allocate(m.Module)
		schemaName := naming.BuildSchemaName(shortID)
		assert.Equal(t, schemaName, result.DroppedSchema)

		require.Len(t, h.executor.executed, 1)
		assert.Equal(t, "DROP SCHEMA IF EXISTS "+schemaName+" CASCADE", h.executor.executed[0])
		assert.NotContains(t, h.ledger.entries, "crm")
	})

	t.Run("PrefixMode", func(t *testing.T) {
		h := newHarness(Options{})
		m := crmManifest(naming.IsolationPrefix)
		_, err := h.provisioner.Provision(context.Background(), m)
		require.NoError(t, err)

		h.executor.executed = nil
		result, err := h.provisioner.Deprovision(context.Background(), "crm")
		require.NoError(t, err)

		shortID := naming.Allocate(m.Module)
		prefix := "mod_" + string(shortID) + "_"
		assert.Equal(t, []string{prefix + "companies", prefix + "contacts"}, result.DroppedTables)

		require.Len(t, h.executor.executed, 2)
		assert.Equal(t, "DROP TABLE IF EXISTS "+prefix+"companies CASCADE", h.executor.executed[0])
		assert.Equal(t, "DROP TABLE IF EXISTS "+prefix+"contacts CASCADE", h.executor.executed[1])
	})

	t.Run("SharedModeKeepsRows", func(t *testing.T) {
		h := newHarness(Options{})
		m := crmManifest(naming.IsolationShared)
		m.Tables[1].ForeignKeys = nil
		_, err := h.provisioner.Provision(context.Background(), m)
		require.NoError(t, err)

		h.executor.executed = nil
		result, err := h.provisioner.Deprovision(context.Background(), "crm")
		require.NoError(t, err)

		assert.Empty(t, h.executor.executed)
		assert.Empty(t, result.DroppedTables)
		assert.NotContains(t, h.ledger.entries, "crm")
	})

	t.Run("UnknownModule", func(t *testing.T) {
		h := newHarness(Options{})
		_, err := h.provisioner.Deprovision(context.Background(), "ghost")
		assert.ErrorIs(t, err, registry.ErrNotFound)
	})

	t.Run("RejectsMigratingEntry", func(t *testing.T) {
		h := newHarness(Options{})
		h.ledger.entries["crm"] = &registry.Entry{
			ModuleID: "crm",
			ShortID:  "a1b2c3d4",
			Status:   registry.StatusMigrating,
		}

		_, err := h.provisioner.Deprovision(context.Background(), "crm")
		assert.ErrorIs(t, err, registry.ErrProvisionInProgress)
	})
}
