package common

import "fmt"

// MigrationError reports a migration step that failed to apply or revert.
//
// Version is the stamp of the failed step. LastApplied is the highest version
// that is recorded as applied after the failure; steps applied before the
// failing one are not rolled back.
type MigrationError struct {
	Version     int64
	Name        string
	LastApplied int64
	Err         error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d_%s failed (last applied %d): %v", e.Version, e.Name, e.LastApplied, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *MigrationError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrMigrationFailed) match any MigrationError.
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigrationFailed
}
