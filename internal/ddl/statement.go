// Package ddl defines the closed set of structural statements the platform
// executes on behalf of modules, and the guard that vets them. Statements
// are built structurally; free-form text never reaches the database.
package ddl

import (
	"fmt"
	"strings"

	"github.com/shopraft/modprov/internal/naming"
)

// Kind identifies a statement variant
type Kind string

const (
	KindCreateSchema       Kind = "create_schema"
	KindCreateTable        Kind = "create_table"
	KindCreateIndex        Kind = "create_index"
	KindAddForeignKey      Kind = "add_foreign_key"
	KindEnableRowSecurity  Kind = "enable_row_security"
	KindDisableRowSecurity Kind = "disable_row_security"
	KindAttachPolicy       Kind = "attach_policy"
	KindDropPolicy         Kind = "drop_policy"
	KindGrantUsage         Kind = "grant_usage"
	KindRevokeUsage        Kind = "revoke_usage"
	KindDropSchema         Kind = "drop_schema"
	KindDropTable          Kind = "drop_table"
	KindDropIndex          Kind = "drop_index"
	KindDropConstraint     Kind = "drop_constraint"
)

// Target names a namespace a statement mutates. Table is empty for
// schema-level statements.
type Target struct {
	Schema string
	Table  string
}

// Statement is one member of the closed structural statement set
type Statement interface {
	// SQL renders the executable statement text
	SQL() string

	// Kind returns the statement variant
	Kind() Kind

	// Targets returns the namespaces this statement mutates
	Targets() []Target

	// Inverse returns the compensating statement for rollback, if one
	// exists
	Inverse() (Statement, bool)
}

// ColumnSpec is the structural form of one column in a CreateTable
type ColumnSpec struct {
	Name     string
	DataType string
	Nullable bool
	Default  string
}

// CreateSchema creates a module's dedicated schema
type CreateSchema struct {
	Name        string
	IfNotExists bool
}

func (s CreateSchema) SQL() string {
	sql := "CREATE SCHEMA "
	if s.IfNotExists {
		sql += "IF NOT EXISTS "
	}
	return sql + s.Name
}

func (s CreateSchema) Kind() Kind        { return KindCreateSchema }
func (s CreateSchema) Targets() []Target { return []Target{{Schema: s.Name}} }
func (s CreateSchema) Inverse() (Statement, bool) {
	return DropSchema{Name: s.Name, IfExists: true}, true
}

// CreateTable creates one module table
type CreateTable struct {
	Schema      string
	Name        string
	Columns     []ColumnSpec
	PrimaryKey  []string
	IfNotExists bool
}

func (s CreateTable) SQL() string {
	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if s.IfNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(naming.Qualified(s.Schema, s.Name))
	b.WriteString(" (")
	for i, column := range s.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(column.Name)
		b.WriteString(" ")
		b.WriteString(column.DataType)
		if !column.Nullable {
			b.WriteString(" NOT NULL")
		}
		if column.Default != "" {
			b.WriteString(" DEFAULT ")
			b.WriteString(column.Default)
		}
	}
	if len(s.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		b.WriteString(strings.Join(s.PrimaryKey, ", "))
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

func (s CreateTable) Kind() Kind        { return KindCreateTable }
func (s CreateTable) Targets() []Target { return []Target{{Schema: s.Schema, Table: s.Name}} }
func (s CreateTable) Inverse() (Statement, bool) {
	return DropTable{Schema: s.Schema, Name: s.Name, IfExists: true}, true
}

// CreateIndex creates a secondary index on a module table
type CreateIndex struct {
	Schema      string
	Table       string
	Name        string
	Columns     []string
	Unique      bool
	IfNotExists bool
}

func (s CreateIndex) SQL() string {
	sql := "CREATE "
	if s.Unique {
		sql += "UNIQUE "
	}
	sql += "INDEX "
	if s.IfNotExists {
		sql += "IF NOT EXISTS "
	}
	return sql + fmt.Sprintf("%s ON %s (%s)", s.Name, naming.Qualified(s.Schema, s.Table), strings.Join(s.Columns, ", "))
}

func (s CreateIndex) Kind() Kind        { return KindCreateIndex }
func (s CreateIndex) Targets() []Target { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s CreateIndex) Inverse() (Statement, bool) {
	return DropIndex{Schema: s.Schema, Name: s.Name, IfExists: true}, true
}

// AddForeignKey attaches a referential constraint to a module table. Only
// the altered table is a mutation target; the referenced table is read
// only and is vetted during manifest validation.
type AddForeignKey struct {
	Schema     string
	Table      string
	Name       string
	Columns    []string
	RefSchema  string
	RefTable   string
	RefColumns []string
	OnDelete   string
}

func (s AddForeignKey) SQL() string {
	sql := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		naming.Qualified(s.Schema, s.Table), s.Name,
		strings.Join(s.Columns, ", "),
		naming.Qualified(s.RefSchema, s.RefTable),
		strings.Join(s.RefColumns, ", "))
	if s.OnDelete != "" {
		sql += " ON DELETE " + s.OnDelete
	}
	return sql
}

func (s AddForeignKey) Kind() Kind        { return KindAddForeignKey }
func (s AddForeignKey) Targets() []Target { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s AddForeignKey) Inverse() (Statement, bool) {
	return DropConstraint{Schema: s.Schema, Table: s.Table, Name: s.Name, IfExists: true}, true
}

// EnableRowSecurity turns on row level security for a module table
type EnableRowSecurity struct {
	Schema string
	Table  string
}

func (s EnableRowSecurity) SQL() string {
	return fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", naming.Qualified(s.Schema, s.Table))
}

func (s EnableRowSecurity) Kind() Kind        { return KindEnableRowSecurity }
func (s EnableRowSecurity) Targets() []Target { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s EnableRowSecurity) Inverse() (Statement, bool) {
	return DisableRowSecurity{Schema: s.Schema, Table: s.Table}, true
}

// DisableRowSecurity is the rollback form of EnableRowSecurity
type DisableRowSecurity struct {
	Schema string
	Table  string
}

func (s DisableRowSecurity) SQL() string {
	return fmt.Sprintf("ALTER TABLE %s DISABLE ROW LEVEL SECURITY", naming.Qualified(s.Schema, s.Table))
}

func (s DisableRowSecurity) Kind() Kind                { return KindDisableRowSecurity }
func (s DisableRowSecurity) Targets() []Target         { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s DisableRowSecurity) Inverse() (Statement, bool) { return nil, false }

// AttachPolicy installs a tenant isolation policy on a module table. The
// predicate expression is supplied by the platform's tenant authorizer,
// never by the module.
type AttachPolicy struct {
	Schema    string
	Table     string
	Name      string
	UsingExpr string
	CheckExpr string
}

func (s AttachPolicy) SQL() string {
	sql := fmt.Sprintf("CREATE POLICY %s ON %s USING (%s)", s.Name, naming.Qualified(s.Schema, s.Table), s.UsingExpr)
	if s.CheckExpr != "" {
		sql += fmt.Sprintf(" WITH CHECK (%s)", s.CheckExpr)
	}
	return sql
}

func (s AttachPolicy) Kind() Kind        { return KindAttachPolicy }
func (s AttachPolicy) Targets() []Target { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s AttachPolicy) Inverse() (Statement, bool) {
	return DropPolicy{Schema: s.Schema, Table: s.Table, Name: s.Name, IfExists: true}, true
}

// DropPolicy removes a tenant isolation policy
type DropPolicy struct {
	Schema   string
	Table    string
	Name     string
	IfExists bool
}

func (s DropPolicy) SQL() string {
	sql := "DROP POLICY "
	if s.IfExists {
		sql += "IF EXISTS "
	}
	return sql + fmt.Sprintf("%s ON %s", s.Name, naming.Qualified(s.Schema, s.Table))
}

func (s DropPolicy) Kind() Kind                { return KindDropPolicy }
func (s DropPolicy) Targets() []Target         { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s DropPolicy) Inverse() (Statement, bool) { return nil, false }

// GrantUsage grants baseline usage on a module schema to the application
// role
type GrantUsage struct {
	Schema string
	Role   string
}

func (s GrantUsage) SQL() string {
	return fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO %s", s.Schema, s.Role)
}

func (s GrantUsage) Kind() Kind        { return KindGrantUsage }
func (s GrantUsage) Targets() []Target { return []Target{{Schema: s.Schema}} }
func (s GrantUsage) Inverse() (Statement, bool) {
	return RevokeUsage{Schema: s.Schema, Role: s.Role}, true
}

// RevokeUsage is the rollback form of GrantUsage
type RevokeUsage struct {
	Schema string
	Role   string
}

func (s RevokeUsage) SQL() string {
	return fmt.Sprintf("REVOKE USAGE ON SCHEMA %s FROM %s", s.Schema, s.Role)
}

func (s RevokeUsage) Kind() Kind                { return KindRevokeUsage }
func (s RevokeUsage) Targets() []Target         { return []Target{{Schema: s.Schema}} }
func (s RevokeUsage) Inverse() (Statement, bool) { return nil, false }

// DropSchema removes a module schema. Cascade is used only by
// registry-driven deprovisioning.
type DropSchema struct {
	Name     string
	Cascade  bool
	IfExists bool
}

func (s DropSchema) SQL() string {
	sql := "DROP SCHEMA "
	if s.IfExists {
		sql += "IF EXISTS "
	}
	sql += s.Name
	if s.Cascade {
		sql += " CASCADE"
	}
	return sql
}

func (s DropSchema) Kind() Kind                { return KindDropSchema }
func (s DropSchema) Targets() []Target         { return []Target{{Schema: s.Name}} }
func (s DropSchema) Inverse() (Statement, bool) { return nil, false }

// DropTable removes a module table. Cascade is used only by
// registry-driven deprovisioning.
type DropTable struct {
	Schema   string
	Name     string
	Cascade  bool
	IfExists bool
}

func (s DropTable) SQL() string {
	sql := "DROP TABLE "
	if s.IfExists {
		sql += "IF EXISTS "
	}
	sql += naming.Qualified(s.Schema, s.Name)
	if s.Cascade {
		sql += " CASCADE"
	}
	return sql
}

func (s DropTable) Kind() Kind                { return KindDropTable }
func (s DropTable) Targets() []Target         { return []Target{{Schema: s.Schema, Table: s.Name}} }
func (s DropTable) Inverse() (Statement, bool) { return nil, false }

// DropIndex removes a secondary index
type DropIndex struct {
	Schema   string
	Name     string
	IfExists bool
}

func (s DropIndex) SQL() string {
	sql := "DROP INDEX "
	if s.IfExists {
		sql += "IF EXISTS "
	}
	return sql + naming.Qualified(s.Schema, s.Name)
}

func (s DropIndex) Kind() Kind                { return KindDropIndex }
func (s DropIndex) Targets() []Target         { return []Target{{Schema: s.Schema, Table: s.Name}} }
func (s DropIndex) Inverse() (Statement, bool) { return nil, false }

// DropConstraint removes a constraint from a module table
type DropConstraint struct {
	Schema   string
	Table    string
	Name     string
	IfExists bool
}

func (s DropConstraint) SQL() string {
	sql := fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT ", naming.Qualified(s.Schema, s.Table))
	if s.IfExists {
		sql += "IF EXISTS "
	}
	return sql + s.Name
}

func (s DropConstraint) Kind() Kind                { return KindDropConstraint }
func (s DropConstraint) Targets() []Target         { return []Target{{Schema: s.Schema, Table: s.Table}} }
func (s DropConstraint) Inverse() (Statement, bool) { return nil, false }
