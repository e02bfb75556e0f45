// Package repomanager provides RepositoryManager implementations for
// PostgreSQL and for in-process memory storage, wiring together repository
// constructors, the optional user cache and database migrations (via goose).
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/identitykeeper/internal/server/migrations"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/users"
)

// Option configures a PostgresRepositoryManager.
type Option func(*PostgresRepositoryManager)

// WithLogger sets the logger passed to the cache and the migrations.
func WithLogger(l logging.Logger) Option {
	return func(m *PostgresRepositoryManager) { m.logger = l }
}

// WithCache puts a read-through cache in front of every users repository.
func WithCache(c users.UserCache) Option {
	return func(m *PostgresRepositoryManager) { m.cache = c }
}

// WithMigrationLock serializes migrations across instances with an advisory
// lock.
func WithMigrationLock(enabled bool) Option {
	return func(m *PostgresRepositoryManager) { m.migrationLock = enabled }
}

// WithRecorder reports executed migrations and the resulting schema version.
func WithRecorder(r metrics.Recorder) Option {
	return func(m *PostgresRepositoryManager) { m.recorder = r }
}

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct {
	logger        logging.Logger
	cache         users.UserCache
	migrationLock bool
	recorder      metrics.Recorder
}

// Users returns a users.Repository bound to the provided DBTX, behind the
// cache when one is configured.
func (m *PostgresRepositoryManager) Users(db dbx.DBTX) users.Repository {
	repo := users.NewPostgresRepository(db)
	if m.cache == nil {
		return repo
	}
	return users.NewCachedRepository(repo, m.cache, m.logger)
}

// Migrator returns a runner over the users migrations.
func (m *PostgresRepositoryManager) Migrator(db *sql.DB) (*migrations.Runner, error) {
	return migrations.NewRunner(db, m.logger, migrations.UsersSteps(m.logger), migrations.Options{Lock: m.migrationLock})
}

// runUp is a seam for tests.
var runUp = func(ctx context.Context, r *migrations.Runner) (migrations.Report, error) {
	return r.Up(ctx)
}

// RunMigrations applies every pending migration against db.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) (migrations.Report, error) {
	r, err := m.Migrator(db)
	if err != nil {
		return migrations.Report{}, err
	}

	rep, err := runUp(ctx, r)
	for _, a := range rep.Applied {
		m.recorder.RecordMigration(a.Direction, a.Version)
	}
	if err != nil {
		return rep, err
	}

	m.recorder.SetSchemaVersion(rep.Current, false)
	return rep, nil
}

// NewPostgresRepositoryManager constructs a PostgreSQL-backed RepositoryManager.
func NewPostgresRepositoryManager(opts ...Option) *PostgresRepositoryManager {
	m := &PostgresRepositoryManager{
		logger:   logging.Nop(),
		recorder: metrics.Nop{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}
