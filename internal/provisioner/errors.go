package provisioner

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMigrationRequired indicates an existing table whose live shape
// conflicts with the declaration. Fatal for that provision; shape drift is
// never auto-altered.
var ErrMigrationRequired = errors.New("migration required")

// PartialFailureError reports a mid-sequence execution failure. The
// compensating rollback has been attempted; any secondary errors are
// collected here, never discarded. A dirty rollback requires manual
// reconciliation.
type PartialFailureError struct {
	Cause        error
	RollbackErrs []error
}

// Clean reports whether the rollback completed without secondary errors,
// leaving no changes retained
func (e *PartialFailureError) Clean() bool {
	return len(e.RollbackErrs) == 0
}

func (e *PartialFailureError) Error() string {
	if e.Clean() {
		return fmt.Sprintf("provision failed, no changes retained: %v", e.Cause)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "provision failed, manual cleanup required: %v", e.Cause)
	for _, rbErr := range e.RollbackErrs {
		fmt.Fprintf(&b, "; rollback: %v", rbErr)
	}
	return b.String()
}

func (e *PartialFailureError) Unwrap() error {
	return e.Cause
}
