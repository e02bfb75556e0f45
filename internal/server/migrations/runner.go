// Package migrations sequences the versioned schema changes of the users
// store on top of goose's Provider.
//
// Every Step runs in its own transaction and is recorded in the
// goose_db_version table. Up applies pending steps in ascending version
// order and stops at the first failure: the failing step is rolled back,
// steps applied before it stay applied, and the error is a
// *common.MigrationError naming both versions.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"

	"github.com/dmitrijs2005/identitykeeper/internal/common"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/schema"
)

// Step is a single versioned migration.
type Step struct {
	Version int64
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
	Down    func(ctx context.Context, tx *sql.Tx) error
	// Script renders the SQL run in a direction, for inspection.
	Script func(dir schema.Direction) string
}

// ID is the step's file-style identifier, e.g. "20251101080738_init".
func (s Step) ID() string {
	return fmt.Sprintf("%d_%s", s.Version, s.Name)
}

// Options tune the Runner.
type Options struct {
	// Lock takes a Postgres advisory session lock around every run so that
	// concurrently starting instances migrate one at a time.
	Lock bool
}

// Applied describes one step executed by a run.
type Applied struct {
	Version   int64
	Name      string
	Direction string
	Duration  time.Duration
}

// Report summarizes a run.
type Report struct {
	Applied []Applied
	Current int64
}

// StepStatus is the state of a single step in the database.
type StepStatus struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
}

// provider is the subset of *goose.Provider used by Runner.
type provider interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	DownTo(ctx context.Context, version int64) ([]*goose.MigrationResult, error)
	GetDBVersion(ctx context.Context) (int64, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
	HasPending(ctx context.Context) (bool, error)
}

// newProvider is a seam for tests.
var newProvider = func(db *sql.DB, opts ...goose.ProviderOption) (provider, error) {
	return goose.NewProvider(goose.DialectPostgres, db, nil, opts...)
}

// Runner applies and reverts Steps.
type Runner struct {
	provider provider
	steps    []Step
	byVer    map[int64]Step
	logger   logging.Logger
}

// NewRunner validates steps and prepares a goose provider for db.
func NewRunner(db *sql.DB, logger logging.Logger, steps []Step, opts Options) (*Runner, error) {
	if err := validate(steps); err != nil {
		return nil, err
	}

	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	byVer := make(map[int64]Step, len(sorted))
	gooseMigrations := make([]*goose.Migration, 0, len(sorted))
	for _, s := range sorted {
		byVer[s.Version] = s
		gooseMigrations = append(gooseMigrations, goose.NewGoMigration(
			s.Version,
			&goose.GoFunc{RunTx: s.Up},
			&goose.GoFunc{RunTx: s.Down},
		))
	}

	providerOpts := []goose.ProviderOption{
		goose.WithDisableGlobalRegistry(true),
		goose.WithGoMigrations(gooseMigrations...),
	}

	if opts.Lock {
		locker, err := lock.NewPostgresSessionLocker()
		if err != nil {
			return nil, fmt.Errorf("create migration lock: %w", err)
		}
		providerOpts = append(providerOpts, goose.WithSessionLocker(locker))
	}

	p, err := newProvider(db, providerOpts...)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	return &Runner{
		provider: p,
		steps:    sorted,
		byVer:    byVer,
		logger:   logger.With("module", "migrations"),
	}, nil
}

func validate(steps []Step) error {
	seen := make(map[int64]struct{}, len(steps))
	for _, s := range steps {
		if s.Version <= 0 {
			return fmt.Errorf("migration %q: version must be positive", s.Name)
		}
		if s.Name == "" {
			return fmt.Errorf("migration %d: name is required", s.Version)
		}
		if s.Up == nil || s.Down == nil {
			return fmt.Errorf("migration %s: both up and down are required", s.ID())
		}
		if _, dup := seen[s.Version]; dup {
			return fmt.Errorf("migration %s: duplicate version", s.ID())
		}
		seen[s.Version] = struct{}{}
	}
	return nil
}

// Steps returns the registered steps in ascending version order.
func (r *Runner) Steps() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Up applies every pending step.
func (r *Runner) Up(ctx context.Context) (Report, error) {
	before, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: read version: %w", common.ErrMigrationFailed, err)
	}

	results, err := r.provider.Up(ctx)
	if err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return r.failure(ctx, before, err)
	}

	return r.report(ctx, results)
}

// Down reverts the most recently applied step. Nothing applied is a no-op.
func (r *Runner) Down(ctx context.Context) (Report, error) {
	before, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: read version: %w", common.ErrMigrationFailed, err)
	}

	result, err := r.provider.Down(ctx)
	if errors.Is(err, goose.ErrNoNextVersion) {
		r.logger.Info(ctx, "no migrations to revert")
		return Report{Current: before}, nil
	}
	if err != nil {
		return r.failure(ctx, before, err)
	}

	var results []*goose.MigrationResult
	if result != nil {
		results = append(results, result)
	}
	return r.report(ctx, results)
}

// DownTo reverts steps until version is the latest applied one.
func (r *Runner) DownTo(ctx context.Context, version int64) (Report, error) {
	if version < 0 {
		return Report{}, fmt.Errorf("invalid target version %d", version)
	}

	before, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("%w: read version: %w", common.ErrMigrationFailed, err)
	}

	results, err := r.provider.DownTo(ctx, version)
	if err != nil && !errors.Is(err, goose.ErrNoNextVersion) {
		return r.failure(ctx, before, err)
	}
	return r.report(ctx, results)
}

// Reset reverts every applied step.
func (r *Runner) Reset(ctx context.Context) (Report, error) {
	return r.DownTo(ctx, 0)
}

// Version returns the latest applied version, 0 when none.
func (r *Runner) Version(ctx context.Context) (int64, error) {
	v, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// HasPending reports whether Up would apply anything.
func (r *Runner) HasPending(ctx context.Context) (bool, error) {
	pending, err := r.provider.HasPending(ctx)
	if err != nil {
		return false, fmt.Errorf("check pending migrations: %w", err)
	}
	return pending, nil
}

// Status lists every registered step with its applied state.
func (r *Runner) Status(ctx context.Context) ([]StepStatus, error) {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}

	out := make([]StepStatus, 0, len(statuses))
	for _, st := range statuses {
		if st == nil || st.Source == nil {
			continue
		}
		out = append(out, StepStatus{
			Version:   st.Source.Version,
			Name:      r.byVer[st.Source.Version].Name,
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Script renders the SQL of every step in run order for dir.
func (r *Runner) Script(dir schema.Direction) string {
	return Script(r.steps, dir)
}

// Script renders the SQL of steps in run order for dir: ascending version
// for Up, descending for Down. It needs no database.
func Script(steps []Step, dir schema.Direction) string {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool {
		if dir == schema.Down {
			return sorted[i].Version > sorted[j].Version
		}
		return sorted[i].Version < sorted[j].Version
	})

	label := "up"
	if dir == schema.Down {
		label = "down"
	}

	var out string
	for i, s := range sorted {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("-- %s.%s\n", s.ID(), label)
		if s.Script != nil {
			out += s.Script(dir)
		}
	}
	return out
}

func (r *Runner) report(ctx context.Context, results []*goose.MigrationResult) (Report, error) {
	rep := Report{Applied: make([]Applied, 0, len(results))}

	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		a := Applied{
			Version:   res.Source.Version,
			Name:      r.byVer[res.Source.Version].Name,
			Direction: res.Direction,
			Duration:  res.Duration,
		}
		rep.Applied = append(rep.Applied, a)
		r.logger.Info(ctx, "migration applied",
			"version", a.Version, "name", a.Name, "direction", a.Direction, "duration", a.Duration)
	}

	current, err := r.provider.GetDBVersion(ctx)
	if err != nil {
		return rep, fmt.Errorf("read version: %w", err)
	}
	rep.Current = current

	if len(rep.Applied) == 0 {
		r.logger.Info(ctx, "schema is up to date", "version", current)
	}
	return rep, nil
}

// failure converts a provider error into a *common.MigrationError. before is
// the version recorded prior to the run.
func (r *Runner) failure(ctx context.Context, before int64, err error) (Report, error) {
	var partial *goose.PartialError
	if !errors.As(err, &partial) || partial.Failed == nil || partial.Failed.Source == nil {
		r.logger.Error(ctx, "migration run failed", "error", err)
		return Report{Current: before}, fmt.Errorf("%w: %w", common.ErrMigrationFailed, err)
	}

	rep := Report{Current: before}
	for _, res := range partial.Applied {
		if res == nil || res.Source == nil {
			continue
		}
		rep.Applied = append(rep.Applied, Applied{
			Version:   res.Source.Version,
			Name:      r.byVer[res.Source.Version].Name,
			Direction: res.Direction,
			Duration:  res.Duration,
		})
		if res.Direction == "down" {
			rep.Current = r.previous(res.Source.Version)
		} else {
			rep.Current = res.Source.Version
		}
	}

	failed := partial.Failed.Source.Version
	cause := partial.Err
	if cause == nil {
		cause = partial.Failed.Error
	}

	merr := &common.MigrationError{
		Version:     failed,
		Name:        r.byVer[failed].Name,
		LastApplied: rep.Current,
		Err:         cause,
	}
	r.logger.Error(ctx, "migration failed",
		"version", merr.Version, "name", merr.Name, "last_applied", merr.LastApplied, "error", cause)

	return rep, merr
}

// previous returns the registered version below v, or 0.
func (r *Runner) previous(v int64) int64 {
	var prev int64
	for _, s := range r.steps {
		if s.Version >= v {
			break
		}
		prev = s.Version
	}
	return prev
}
