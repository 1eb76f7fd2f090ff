// Package manifest models the structured data-model declaration a module
// submits at install time. Manifests are declarative: no statement text is
// ever accepted from a module.
package manifest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopraft/modprov/internal/naming"
)

// allowedDataTypes is the closed set of column types a module may declare.
// Anything else is rejected before statement generation.
var allowedDataTypes = map[string]struct{}{
	"text":             {},
	"integer":          {},
	"bigint":           {},
	"smallint":         {},
	"boolean":          {},
	"numeric":          {},
	"double precision": {},
	"date":             {},
	"timestamptz":      {},
	"uuid":             {},
	"jsonb":            {},
	"bytea":            {},
}

var (
	varcharPattern = regexp.MustCompile(`^varchar\(\d{1,4}\)$`)
	numericPattern = regexp.MustCompile(`^numeric\(\d{1,2},\s?\d{1,2}\)$`)

	// defaultPattern admits simple literals and a short list of functions;
	// arbitrary expressions never reach statement generation
	defaultPattern = regexp.MustCompile(`^(-?\d+(\.\d+)?|true|false|'[^']*'|now\(\)|CURRENT_TIMESTAMP|gen_random_uuid\(\))$`)
)

// allowedOnDelete is the closed set of referential actions
var allowedOnDelete = map[string]struct{}{
	"":          {},
	"CASCADE":   {},
	"RESTRICT":  {},
	"SET NULL":  {},
	"NO ACTION": {},
}

// ErrUnknownReference indicates a foreign key pointing at a table that is
// neither declared in the manifest nor listed as a declared dependency
var ErrUnknownReference = errors.New("unknown reference")

// Manifest is a module's declared data model
type Manifest struct {
	Module        naming.ModuleIdentity
	IsolationMode naming.IsolationMode
	Tables        []TableDefinition

	// DeclaredDependencies lists tables outside the module's own
	// declaration that its foreign keys may reference: platform tables or
	// tables of a module it explicitly depends on. References not covered
	// here fail validation.
	DeclaredDependencies []string
}

// TableDefinition declares one logical table owned by the module
type TableDefinition struct {
	LogicalName string
	Columns     []Column
	Indexes     []Index
	ForeignKeys []ForeignKey

	// TenantColumn names the column carrying the tenant scope. Empty
	// means the table is globally shared and skips row isolation.
	TenantColumn string
}

// Column declares a single column
type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	Default    string
	PrimaryKey bool
}

// Index declares a secondary index
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// ForeignKey declares a referential constraint. RefTable is a logical name
// from this manifest or an entry from DeclaredDependencies.
type ForeignKey struct {
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string
}

// Validate performs the dry-run validation pass that precedes any
// execution: identifier safety, internal consistency, and reference
// resolution. It never touches the database.
func Validate(m *Manifest) error {
	if m.Module.ModuleID == "" || m.Module.PublisherID == "" {
		return fmt.Errorf("manifest missing module identity")
	}
	if !m.IsolationMode.Valid() {
		return fmt.Errorf("unknown isolation mode %q", m.IsolationMode)
	}

	declared := make(map[string]*TableDefinition, len(m.Tables))
	for i := range m.Tables {
		t := &m.Tables[i]
		if err := naming.ValidateLogicalName(t.LogicalName); err != nil {
			return fmt.Errorf("table %q: %w", t.LogicalName, err)
		}
		if _, dup := declared[t.LogicalName]; dup {
			return fmt.Errorf("table %q declared twice", t.LogicalName)
		}
		declared[t.LogicalName] = t
	}

	deps := make(map[string]struct{}, len(m.DeclaredDependencies))
	for _, d := range m.DeclaredDependencies {
		deps[d] = struct{}{}
	}

	for i := range m.Tables {
		if err := validateTable(&m.Tables[i], declared, deps); err != nil {
			return err
		}
	}

	return nil
}

func validateTable(t *TableDefinition, declared map[string]*TableDefinition, deps map[string]struct{}) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q declares no columns", t.LogicalName)
	}

	columns := make(map[string]Column, len(t.Columns))
	for _, c := range t.Columns {
		if err := naming.ValidateLogicalName(c.Name); err != nil {
			return fmt.Errorf("table %q column %q: %w", t.LogicalName, c.Name, err)
		}
		if err := validateDataType(c.DataType); err != nil {
			return fmt.Errorf("table %q column %q: %w", t.LogicalName, c.Name, err)
		}
		if c.Default != "" && !defaultPattern.MatchString(c.Default) {
			return fmt.Errorf("table %q column %q: default %q is not an allowed literal", t.LogicalName, c.Name, c.Default)
		}
		if _, dup := columns[c.Name]; dup {
			return fmt.Errorf("table %q column %q declared twice", t.LogicalName, c.Name)
		}
		columns[c.Name] = c
	}

	if t.TenantColumn != "" {
		if _, ok := columns[t.TenantColumn]; !ok {
			return fmt.Errorf("table %q tenant column %q is not declared", t.LogicalName, t.TenantColumn)
		}
	}

	for _, idx := range t.Indexes {
		if idx.Name != "" {
			if err := naming.ValidateLogicalName(idx.Name); err != nil {
				return fmt.Errorf("table %q index %q: %w", t.LogicalName, idx.Name, err)
			}
		}
		if len(idx.Columns) == 0 {
			return fmt.Errorf("table %q declares an index with no columns", t.LogicalName)
		}
		for _, col := range idx.Columns {
			if _, ok := columns[col]; !ok {
				return fmt.Errorf("table %q index references undeclared column %q", t.LogicalName, col)
			}
		}
	}

	for _, fk := range t.ForeignKeys {
		if len(fk.Columns) == 0 || len(fk.RefColumns) == 0 {
			return fmt.Errorf("table %q declares a foreign key with no columns", t.LogicalName)
		}
		if len(fk.Columns) != len(fk.RefColumns) {
			return fmt.Errorf("table %q foreign key column count mismatch", t.LogicalName)
		}
		if _, ok := allowedOnDelete[strings.ToUpper(fk.OnDelete)]; !ok {
			return fmt.Errorf("table %q foreign key action %q is not allowed", t.LogicalName, fk.OnDelete)
		}
		for _, col := range fk.Columns {
			if _, ok := columns[col]; !ok {
				return fmt.Errorf("table %q foreign key references undeclared column %q", t.LogicalName, col)
			}
		}
		if _, self := declared[fk.RefTable]; self {
			continue
		}
		if _, dep := deps[fk.RefTable]; dep {
			continue
		}
		return fmt.Errorf("%w: table %q references %q, which is neither declared nor a listed dependency",
			ErrUnknownReference, t.LogicalName, fk.RefTable)
	}

	return nil
}

func validateDataType(dataType string) error {
	normalized := strings.ToLower(strings.TrimSpace(dataType))
	if normalized == "" {
		return fmt.Errorf("no data type")
	}
	if _, ok := allowedDataTypes[normalized]; ok {
		return nil
	}
	if varcharPattern.MatchString(normalized) || numericPattern.MatchString(normalized) {
		return nil
	}
	return fmt.Errorf("data type %q is not in the allowed set", dataType)
}

// Table returns the declared table with the given logical name, or nil
func (m *Manifest) Table(logicalName string) *TableDefinition {
	for i := range m.Tables {
		if m.Tables[i].LogicalName == logicalName {
			return &m.Tables[i]
		}
	}
	return nil
}
