// Package common defines sentinel errors shared by the repository, service
// and process layers of the identity service. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound     = errors.New("not found")
	ErrDuplicateEmail = errors.New("duplicate email")
	ErrDuplicatePid   = errors.New("duplicate pid")

	// Service-level errors.
	ErrorInternal         = errors.New("internal error")
	ErrorValidation       = errors.New("validation error")
	ErrInvalidCredentials = errors.New("invalid email or password")

	// Migration errors.
	ErrMigrationFailed = errors.New("migration failed")
)
