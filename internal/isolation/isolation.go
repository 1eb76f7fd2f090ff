// Package isolation wires tenant row isolation onto provisioned tables.
// The authorization predicate comes from the platform's membership system
// as an injected capability; nothing here reimplements membership logic.
package isolation

import (
	"fmt"

	"github.com/shopraft/modprov/internal/ddl"
)

// PolicyName is the per-table name of the tenant isolation policy
const PolicyName = "tenant_isolation"

// DefaultTenantSetting is the session setting carrying the caller's tenant
// scope when no custom authorizer is injected
const DefaultTenantSetting = "app.current_tenant"

// TenantAuthorizer supplies the SQL predicate restricting row visibility to
// the caller's authorized tenant set
type TenantAuthorizer interface {
	PredicateFor(tenantColumn string) string
}

// SessionAuthorizer scopes rows to the tenant identifier carried in a
// per-session setting. This is the platform default.
type SessionAuthorizer struct {
	Setting string
}

// NewSessionAuthorizer creates an authorizer reading the given session
// setting, or the platform default when empty
func NewSessionAuthorizer(setting string) SessionAuthorizer {
	if setting == "" {
		setting = DefaultTenantSetting
	}
	return SessionAuthorizer{Setting: setting}
}

func (a SessionAuthorizer) PredicateFor(tenantColumn string) string {
	return fmt.Sprintf("%s::text = current_setting('%s', true)", tenantColumn, a.Setting)
}

// Installer builds the statements attaching tenant isolation to a table
type Installer struct {
	authorizer TenantAuthorizer
}

// NewInstaller creates an installer using the injected authorizer
func NewInstaller(authorizer TenantAuthorizer) *Installer {
	return &Installer{authorizer: authorizer}
}

// Statements returns the statements that enable row security and attach
// the tenant policy for one table. Submitted through the guard as part of
// the table's provisioning step, so a table is never left active with
// isolation pending.
func (i *Installer) Statements(schema, table, tenantColumn string) []ddl.Statement {
	predicate := i.authorizer.PredicateFor(tenantColumn)
	return []ddl.Statement{
		ddl.EnableRowSecurity{Schema: schema, Table: table},
		ddl.AttachPolicy{
			Schema:    schema,
			Table:     table,
			Name:      PolicyName,
			UsingExpr: predicate,
			CheckExpr: predicate,
		},
	}
}
