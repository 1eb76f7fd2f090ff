// Package naming derives module namespace identifiers and constructs the
// real schema and table names a module is allowed to own inside the shared
// platform database.
package naming

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Name construction limits. 63 is the PostgreSQL identifier limit.
const (
	MaxIdentifierLength = 63
	ShortIDLength       = 8
	NamePrefix          = "mod_"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var (
	// ErrInvalidName indicates a logical name outside the safe character
	// set or over the identifier length limit
	ErrInvalidName = errors.New("invalid name")

	// ErrReservedName indicates a literal match against the platform
	// reserved-name set
	ErrReservedName = errors.New("reserved name conflict")
)

// ModuleIdentity identifies a module installation source. Immutable.
type ModuleIdentity struct {
	ModuleID    string
	PublisherID string
}

// Key returns the stable derivation key for this identity
func (m ModuleIdentity) Key() string {
	return m.PublisherID + "/" + m.ModuleID
}

// ShortID is the 8-character lowercase token identifying a module's
// namespace. Derived deterministically from the module identity.
type ShortID string

// IsolationMode selects how a module's tables are laid out in the shared
// database
type IsolationMode string

const (
	// IsolationSchema gives the module a dedicated schema mod_{shortID}
	IsolationSchema IsolationMode = "schema"

	// IsolationPrefix keeps tables in the shared schema under
	// mod_{shortID}_ prefixed names
	IsolationPrefix IsolationMode = "prefix"

	// IsolationShared stores module rows in a single platform-owned
	// multi-tenant table; no structural objects are created
	IsolationShared IsolationMode = "shared"
)

// Valid reports whether the mode is one of the known isolation modes
func (m IsolationMode) Valid() bool {
	switch m {
	case IsolationSchema, IsolationPrefix, IsolationShared:
		return true
	}
	return false
}

// Allocate derives the ShortID for a module identity. Pure and
// deterministic: the same identity always yields the same ShortID, with no
// side effects.
func Allocate(identity ModuleIdentity) ShortID {
	sum := sha256.Sum256([]byte(identity.Key()))
	return ShortID(hex.EncodeToString(sum[:])[:ShortIDLength])
}

// BuildSchemaName returns the dedicated schema name for a module namespace
func BuildSchemaName(shortID ShortID) string {
	return NamePrefix + string(shortID)
}

// BuildTableName constructs the real table name for a logical table
// declared by a module. The schema part is empty in prefix mode (the table
// lives in the shared schema).
func BuildTableName(shortID ShortID, logicalName string, mode IsolationMode) (schema string, table string, err error) {
	if err := ValidateLogicalName(logicalName); err != nil {
		return "", "", err
	}

	switch mode {
	case IsolationSchema:
		return BuildSchemaName(shortID), logicalName, nil
	case IsolationPrefix:
		table := NamePrefix + string(shortID) + "_" + logicalName
		if len(table) > MaxIdentifierLength {
			return "", "", fmt.Errorf("%w: %q exceeds %d characters after prefixing", ErrInvalidName, table, MaxIdentifierLength)
		}
		return "", table, nil
	default:
		return "", "", fmt.Errorf("%w: isolation mode %q does not allocate table names", ErrInvalidName, mode)
	}
}

// ValidateLogicalName checks a module-declared logical name against the
// safe-character pattern and length limit
func ValidateLogicalName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidName, name, MaxIdentifierLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q contains characters outside [a-z0-9_]", ErrInvalidName, name)
	}
	return nil
}

// BuildConstraintName joins a table name and a suffix into an index or
// constraint name. When the result would exceed the identifier limit it is
// compacted with a derived tag instead of relying on silent server-side
// truncation, which can collide.
func BuildConstraintName(table, suffix string) string {
	name := table + "_" + suffix
	if len(name) <= MaxIdentifierLength {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	tag := hex.EncodeToString(sum[:])[:ShortIDLength]
	return name[:MaxIdentifierLength-ShortIDLength-1] + "_" + tag
}

// Qualified joins a schema and table into the executable form
func Qualified(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// ReservedSet is an immutable set of platform-owned identifiers that can
// never be claimed by a module. Loaded once from injected configuration.
type ReservedSet struct {
	names map[string]struct{}
}

// NewReservedSet builds a reserved set from the given names. Matching is
// case-insensitive.
func NewReservedSet(names []string) *ReservedSet {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	return &ReservedSet{names: set}
}

// Contains reports whether the name is reserved
func (r *ReservedSet) Contains(name string) bool {
	_, ok := r.names[strings.ToLower(name)]
	return ok
}

// AssertNotReserved fails with ErrReservedName on a literal match against
// the reserved set, regardless of requester
func (r *ReservedSet) AssertNotReserved(name string) error {
	if r.Contains(name) {
		return fmt.Errorf("%w: %q is platform-owned", ErrReservedName, name)
	}
	return nil
}

// Len returns the number of reserved names
func (r *ReservedSet) Len() int {
	return len(r.names)
}
