// Package bootstrap applies the provisioning subsystem's own ledger schema
// and seeds the reserved-name set from the platform catalog.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerSchema contains the registry ledger schema. Embedded directly in
// the code to avoid security risks of external SQL files.
const LedgerSchema = `
-- Ownership ledger: which module owns which schema and tables
CREATE TABLE IF NOT EXISTS mod_registry (
    entry_id UUID PRIMARY KEY,
    module_id TEXT NOT NULL UNIQUE,
    publisher_id TEXT NOT NULL,
    short_id TEXT NOT NULL UNIQUE,
    isolation_mode TEXT NOT NULL,
    schema_name TEXT NOT NULL DEFAULT '',
    table_names TEXT[] NOT NULL DEFAULT '{}',
    globally_shared TEXT[] NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'migrating',
    created TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS mod_registry_status_idx ON mod_registry (status);

-- Audit trail of every structural statement executed on behalf of a module
CREATE TABLE IF NOT EXISTS mod_registry_audit (
    audit_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    module_id TEXT NOT NULL,
    statement_kind TEXT NOT NULL,
    statement_sql TEXT NOT NULL,
    executed TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS mod_registry_audit_module_idx ON mod_registry_audit (module_id);
`

// Apply creates the ledger tables if they do not exist. Idempotent; run at
// service initialize.
func Apply(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, LedgerSchema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

// PlatformTables returns the platform catalog table names. A module can
// never claim any of these.
func PlatformTables() []string {
	return []string{
		"tenants",
		"users",
		"user_sessions",
		"api_tokens",
		"roles",
		"permissions",
		"user_roles",
		"role_permissions",
		"settings",
		"modules",
		"mod_registry",
		"mod_registry_audit",
		"products",
		"product_variants",
		"categories",
		"product_categories",
		"customers",
		"customer_addresses",
		"carts",
		"cart_items",
		"orders",
		"order_items",
		"quotes",
		"quote_items",
		"payments",
		"shipments",
		"inventory",
		"stock_levels",
		"price_lists",
		"promotions",
		"notifications",
		"webhooks",
	}
}

// ProtectedSchemas returns the schema names no module statement may target
func ProtectedSchemas() []string {
	return []string{
		"public",
		"pg_catalog",
		"information_schema",
	}
}

// DefaultReservedNames is the reserved-name seed: platform tables plus
// protected schemas
func DefaultReservedNames() []string {
	return append(PlatformTables(), ProtectedSchemas()...)
}
