package provisioner

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopraft/modprov/internal/manifest"
)

// LiveColumn is one column of an existing table as the database reports it
type LiveColumn struct {
	Name     string
	DataType string
}

// Introspector reads the live shape of database objects. Used only for the
// dry-run conflict check and for create-if-absent decisions, never to
// derive teardown targets.
type Introspector interface {
	TableShape(ctx context.Context, schema, table string) ([]LiveColumn, bool, error)
	SchemaExists(ctx context.Context, schema string) (bool, error)
}

// PgIntrospector reads shapes from information_schema
type PgIntrospector struct {
	pool *pgxpool.Pool
}

// NewPgIntrospector wraps a pgx pool as an Introspector
func NewPgIntrospector(pool *pgxpool.Pool) *PgIntrospector {
	return &PgIntrospector{pool: pool}
}

func (p *PgIntrospector) TableShape(ctx context.Context, schema, table string) ([]LiveColumn, bool, error) {
	if schema == "" {
		schema = "public"
	}

	rows, err := p.pool.Query(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schema, table)
	if err != nil {
		return nil, false, fmt.Errorf("error fetching column information: %w", err)
	}
	defer rows.Close()

	var columns []LiveColumn
	for rows.Next() {
		var col LiveColumn
		if err := rows.Scan(&col.Name, &col.DataType); err != nil {
			return nil, false, fmt.Errorf("error scanning column row: %w", err)
		}
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	return columns, len(columns) > 0, nil
}

func (p *PgIntrospector) SchemaExists(ctx context.Context, schema string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", schema).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("error checking schema existence: %w", err)
	}
	return exists, nil
}

// typeAliases maps declared type spellings to the names
// information_schema reports
var typeAliases = map[string]string{
	"int":         "integer",
	"int4":        "integer",
	"int8":        "bigint",
	"int2":        "smallint",
	"bool":        "boolean",
	"timestamptz": "timestamp with time zone",
	"float8":      "double precision",
	"varchar":     "character varying",
	"decimal":     "numeric",
}

// normalizeType reduces a declared or reported type to a comparable form
func normalizeType(dataType string) string {
	t := strings.ToLower(strings.TrimSpace(dataType))
	// Strip length/precision arguments: varchar(255) -> varchar
	if idx := strings.Index(t, "("); idx > 0 {
		t = t[:idx]
	}
	if mapped, ok := typeAliases[t]; ok {
		return mapped
	}
	return t
}

// compareShape checks a declared table against its live counterpart.
// Column set and types must match exactly; anything else is shape drift.
func compareShape(def *manifest.TableDefinition, live []LiveColumn) error {
	liveByName := make(map[string]LiveColumn, len(live))
	for _, col := range live {
		liveByName[col.Name] = col
	}

	if len(live) != len(def.Columns) {
		return fmt.Errorf("%w: table %q has %d live columns, declaration has %d",
			ErrMigrationRequired, def.LogicalName, len(live), len(def.Columns))
	}

	for _, declared := range def.Columns {
		liveCol, ok := liveByName[declared.Name]
		if !ok {
			return fmt.Errorf("%w: table %q declares column %q which does not exist",
				ErrMigrationRequired, def.LogicalName, declared.Name)
		}
		if normalizeType(declared.DataType) != normalizeType(liveCol.DataType) {
			return fmt.Errorf("%w: table %q column %q is %q live, declared %q",
				ErrMigrationRequired, def.LogicalName, declared.Name, liveCol.DataType, declared.DataType)
		}
	}

	return nil
}
