package config

import (
	"errors"
	"fmt"
)

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseDSN == "" {
			errs = append(errs, errors.New("database DSN is required for postgres storage"))
		}
	case StorageMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}

	switch c.PasswordHasher {
	case "argon2id", "bcrypt":
	default:
		errs = append(errs, fmt.Errorf("unknown password hasher %q", c.PasswordHasher))
	}

	if c.CacheTTL < 0 {
		errs = append(errs, errors.New("cache TTL must not be negative"))
	}
	if c.DBMaxOpenConns < 0 || c.DBMaxIdleConns < 0 {
		errs = append(errs, errors.New("connection pool limits must not be negative"))
	}

	return errors.Join(errs...)
}
