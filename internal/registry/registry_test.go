package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopraft/modprov/internal/naming"
	"github.com/shopraft/modprov/pkg/logger"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	return r.scan(dest...)
}

// fakeDB answers the claim queries of BeginMigration as an empty ledger
// would, and fails the insert with a scripted error
type fakeDB struct {
	insertErr error
	inserted  int
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "SELECT EXISTS") {
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}}
	}
	return fakeRow{scan: func(dest ...any) error {
		return pgx.ErrNoRows
	}}
}

func (db *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if db.insertErr != nil {
		return pgconn.CommandTag{}, db.insertErr
	}
	db.inserted++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func newTestService(db DB) *Service {
	log := logger.New("test", "1.0.0")
	log.DisableConsoleOutput()
	return NewService(db, nil, log)
}

func TestBeginMigrationClaimClassification(t *testing.T) {
	identity := naming.ModuleIdentity{ModuleID: "crm", PublisherID: "acme"}

	t.Run("FreshClaim", func(t *testing.T) {
		db := &fakeDB{}
		existed, err := newTestService(db).BeginMigration(context.Background(), identity, "a1b2c3d4", naming.IsolationSchema)
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, 1, db.inserted)
	})

	t.Run("ShortIDHeldByAnotherModule", func(t *testing.T) {
		db := &fakeDB{insertErr: &pgconn.PgError{
			Code:           "23505",
			ConstraintName: "mod_registry_short_id_key",
		}}
		_, err := newTestService(db).BeginMigration(context.Background(), identity, "a1b2c3d4", naming.IsolationSchema)
		assert.ErrorIs(t, err, ErrShortIDConflict)
	})

	t.Run("SameModuleInsertRace", func(t *testing.T) {
		db := &fakeDB{insertErr: &pgconn.PgError{
			Code:           "23505",
			ConstraintName: "mod_registry_module_id_key",
		}}
		_, err := newTestService(db).BeginMigration(context.Background(), identity, "a1b2c3d4", naming.IsolationSchema)
		assert.ErrorIs(t, err, ErrProvisionInProgress)
	})

	t.Run("OtherDatabaseErrorsPassThrough", func(t *testing.T) {
		db := &fakeDB{insertErr: &pgconn.PgError{Code: "53300"}}
		_, err := newTestService(db).BeginMigration(context.Background(), identity, "a1b2c3d4", naming.IsolationSchema)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrShortIDConflict)
		assert.NotErrorIs(t, err, ErrProvisionInProgress)
	})
}

func TestOwnedNameSet(t *testing.T) {
	entries := []*Entry{
		{
			ModuleID:   "crm",
			SchemaName: "mod_a1b2c3d4",
			TableNames: []string{"mod_a1b2c3d4.companies", "mod_a1b2c3d4.contacts"},
		},
		{
			ModuleID:   "billing",
			TableNames: []string{"mod_ffffffff_invoices"},
		},
	}

	owned := OwnedNameSet(entries)

	assert.Contains(t, owned, "mod_a1b2c3d4")
	assert.Contains(t, owned, "mod_a1b2c3d4.companies")
	assert.Contains(t, owned, "mod_a1b2c3d4.contacts")
	assert.Contains(t, owned, "mod_ffffffff_invoices")
	assert.NotContains(t, owned, "mod_deadbeef_ghosts")
	assert.Len(t, owned, 4)
}

func TestNonPublic(t *testing.T) {
	assert.Equal(t, "", nonPublic("public"))
	assert.Equal(t, "mod_a1b2c3d4", nonPublic("mod_a1b2c3d4"))
}
