package migrations

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/schema"
)

const (
	VersionInit                 int64 = 20251101080738
	VersionAppManagedTimestamps int64 = 20251102091500
)

// UsersSteps returns the migrations of the users store.
//
// The first step creates the schema exactly as originally shipped, trigger
// included. The second hands updated_at over to the store's write path: it
// removes the trigger and its function and guards the timestamp order with a
// CHECK constraint instead.
func UsersSteps(logger logging.Logger) []Step {
	initial := schema.NewManager(logger, schema.InitObjects()...)
	trigger := schema.NewManager(logger, schema.UpdatedAtFunction, schema.UpdatedAtTrigger)
	check := schema.NewManager(logger, schema.UpdatedAtCheck)

	return []Step{
		{
			Version: VersionInit,
			Name:    "init",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				return initial.Apply(ctx, tx)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				return initial.Revert(ctx, tx)
			},
			Script: initial.Script,
		},
		{
			Version: VersionAppManagedTimestamps,
			Name:    "app_managed_timestamps",
			Up: func(ctx context.Context, tx *sql.Tx) error {
				if err := trigger.Revert(ctx, tx); err != nil {
					return err
				}
				return check.Apply(ctx, tx)
			},
			Down: func(ctx context.Context, tx *sql.Tx) error {
				if err := check.Revert(ctx, tx); err != nil {
					return err
				}
				return trigger.Apply(ctx, tx)
			},
			Script: func(dir schema.Direction) string {
				if dir == schema.Up {
					return trigger.Script(schema.Down) + "\n" + check.Script(schema.Up)
				}
				return check.Script(schema.Down) + "\n" + trigger.Script(schema.Up)
			},
		},
	}
}
