package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopraft/modprov/internal/naming"
)

func validManifest() *Manifest {
	return &Manifest{
		Module:        naming.ModuleIdentity{ModuleID: "crm", PublisherID: "acme"},
		IsolationMode: naming.IsolationSchema,
		Tables: []TableDefinition{
			{
				LogicalName: "companies",
				Columns: []Column{
					{Name: "company_id", DataType: "uuid", PrimaryKey: true, Default: "gen_random_uuid()"},
					{Name: "tenant_id", DataType: "uuid"},
					{Name: "name", DataType: "varchar(255)"},
				},
				TenantColumn: "tenant_id",
			},
			{
				LogicalName: "contacts",
				Columns: []Column{
					{Name: "contact_id", DataType: "uuid", PrimaryKey: true},
					{Name: "tenant_id", DataType: "uuid"},
					{Name: "company_id", DataType: "uuid"},
					{Name: "email", DataType: "varchar(255)"},
				},
				Indexes: []Index{
					{Name: "email_idx", Columns: []string{"email"}, Unique: true},
				},
				ForeignKeys: []ForeignKey{
					{Columns: []string{"company_id"}, RefTable: "companies", RefColumns: []string{"company_id"}, OnDelete: "CASCADE"},
				},
				TenantColumn: "tenant_id",
			},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Run("ValidManifest", func(t *testing.T) {
		assert.NoError(t, Validate(validManifest()))
	})

	t.Run("MissingIdentity", func(t *testing.T) {
		m := validManifest()
		m.Module.PublisherID = ""
		assert.Error(t, Validate(m))
	})

	t.Run("UnknownIsolationMode", func(t *testing.T) {
		m := validManifest()
		m.IsolationMode = "tablespace"
		assert.Error(t, Validate(m))
	})

	t.Run("DuplicateTable", func(t *testing.T) {
		m := validManifest()
		m.Tables = append(m.Tables, m.Tables[0])
		assert.Error(t, Validate(m))
	})

	t.Run("TableWithoutColumns", func(t *testing.T) {
		m := validManifest()
		m.Tables[0].Columns = nil
		assert.Error(t, Validate(m))
	})

	t.Run("UnsafeTableName", func(t *testing.T) {
		m := validManifest()
		m.Tables[0].LogicalName = "companies; drop table users"
		assert.ErrorIs(t, Validate(m), naming.ErrInvalidName)
	})

	t.Run("DataTypeOutsideAllowedSet", func(t *testing.T) {
		m := validManifest()
		m.Tables[0].Columns[2].DataType = "text); DROP TABLE users; --"
		assert.Error(t, Validate(m))
	})

	t.Run("ParameterizedTypesAllowed", func(t *testing.T) {
		m := validManifest()
		m.Tables[0].Columns[2].DataType = "numeric(10, 2)"
		assert.NoError(t, Validate(m))
	})

	t.Run("DefaultOutsideLiteralSet", func(t *testing.T) {
		m := validManifest()
		m.Tables[0].Columns[2].Default = "(SELECT password FROM users LIMIT 1)"
		assert.Error(t, Validate(m))
	})

	t.Run("TenantColumnMustBeDeclared", func(t *testing.T) {
		m := validManifest()
		m.Tables[0].TenantColumn = "missing_column"
		assert.Error(t, Validate(m))
	})

	t.Run("IndexOnUndeclaredColumn", func(t *testing.T) {
		m := validManifest()
		m.Tables[1].Indexes[0].Columns = []string{"missing"}
		assert.Error(t, Validate(m))
	})

	t.Run("ForeignKeyActionOutsideAllowedSet", func(t *testing.T) {
		m := validManifest()
		m.Tables[1].ForeignKeys[0].OnDelete = "CASCADE; DROP TABLE users"
		assert.Error(t, Validate(m))
	})

	t.Run("ForeignKeyColumnCountMismatch", func(t *testing.T) {
		m := validManifest()
		m.Tables[1].ForeignKeys[0].RefColumns = []string{"company_id", "tenant_id"}
		assert.Error(t, Validate(m))
	})
}

func TestValidateReferences(t *testing.T) {
	t.Run("UnresolvedReference", func(t *testing.T) {
		m := validManifest()
		m.Tables[1].ForeignKeys[0].RefTable = "departments"
		assert.ErrorIs(t, Validate(m), ErrUnknownReference)
	})

	t.Run("DeclaredDependencyResolves", func(t *testing.T) {
		m := validManifest()
		m.Tables[1].ForeignKeys[0].RefTable = "products"
		m.Tables[1].ForeignKeys[0].RefColumns = []string{"product_id"}
		m.DeclaredDependencies = []string{"products"}
		require.NoError(t, Validate(m))
	})
}

func TestTableAccessor(t *testing.T) {
	m := validManifest()
	require.NotNil(t, m.Table("contacts"))
	assert.Equal(t, "contacts", m.Table("contacts").LogicalName)
	assert.Nil(t, m.Table("departments"))
}
