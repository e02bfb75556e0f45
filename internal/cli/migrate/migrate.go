// Package migrate implements the migrate command: it applies, reverts and
// inspects the users schema migrations outside of the server process.
//
// Usage:
//
//	migrate [config flags] up
//	migrate [config flags] down
//	migrate [config flags] down-to <version>
//	migrate [config flags] reset
//	migrate [config flags] status
//	migrate [config flags] version
//	migrate print <up|down>
//
// Config flags are those of the server (-d, -l, -f, -c, ...).
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/flagx"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/config"
	"github.com/dmitrijs2005/identitykeeper/internal/server/migrations"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/identitykeeper/internal/server/schema"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage: migrate [flags] up|down|down-to <version>|reset|status|version|print <up|down>")

// migrator is the subset of *migrations.Runner used by the command.
type migrator interface {
	Up(ctx context.Context) (migrations.Report, error)
	Down(ctx context.Context) (migrations.Report, error)
	DownTo(ctx context.Context, version int64) (migrations.Report, error)
	Reset(ctx context.Context) (migrations.Report, error)
	Version(ctx context.Context) (int64, error)
	Status(ctx context.Context) ([]migrations.StepStatus, error)
}

// Test seams.
var (
	openDB    = dbx.Open
	newRunner = func(db *sql.DB, logger logging.Logger, lock bool) (migrator, error) {
		rm := repomanager.NewPostgresRepositoryManager(
			repomanager.WithLogger(logger),
			repomanager.WithMigrationLock(lock),
		)
		return rm.Migrator(db)
	}
)

// Run executes the command line args, writing results to out and logs to
// logOut.
func Run(ctx context.Context, args []string, out, logOut io.Writer) error {
	rest := flagx.StripArgs(args, config.Flags)
	if len(rest) == 0 {
		return ErrUsage
	}
	cmd, params := rest[0], rest[1:]

	if cmd == "print" {
		if len(params) != 1 {
			return ErrUsage
		}
		return printScript(out, params[0])
	}

	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	var version int64
	switch cmd {
	case "up", "down", "reset", "status", "version":
		if len(params) != 0 {
			return ErrUsage
		}
	case "down-to":
		if len(params) != 1 {
			return ErrUsage
		}
		version, err = strconv.ParseInt(params[0], 10, 64)
		if err != nil || version < 0 {
			return fmt.Errorf("%w: invalid version %q", ErrUsage, params[0])
		}
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}

	db, err := openDB(ctx, cfg.DatabaseDSN, dbx.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := newRunner(db, logger, cfg.MigrationLock)
	if err != nil {
		return err
	}

	switch cmd {
	case "up":
		rep, err := r.Up(ctx)
		return printReport(out, rep, err)
	case "down":
		rep, err := r.Down(ctx)
		return printReport(out, rep, err)
	case "reset":
		rep, err := r.Reset(ctx)
		return printReport(out, rep, err)
	case "down-to":
		rep, err := r.DownTo(ctx, version)
		return printReport(out, rep, err)
	case "version":
		v, err := r.Version(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, v)
		return err
	default:
		return printStatus(ctx, out, r)
	}
}

func printScript(out io.Writer, dir string) error {
	var d schema.Direction
	switch dir {
	case "up":
		d = schema.Up
	case "down":
		d = schema.Down
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrUsage, dir)
	}
	_, err := io.WriteString(out, migrations.Script(migrations.UsersSteps(logging.Nop()), d))
	return err
}

// printReport prints the executed steps, also when the run failed part way.
func printReport(out io.Writer, rep migrations.Report, err error) error {
	for _, a := range rep.Applied {
		fmt.Fprintf(out, "%s %d_%s (%s)\n", a.Direction, a.Version, a.Name, a.Duration.Round(time.Millisecond))
	}
	if err != nil {
		return err
	}
	if len(rep.Applied) == 0 {
		fmt.Fprintln(out, "no change")
	}
	_, err = fmt.Fprintf(out, "version %d\n", rep.Current)
	return err
}

func printStatus(ctx context.Context, out io.Writer, r migrator) error {
	statuses, err := r.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, s := range statuses {
		state, at := "pending", "-"
		if s.Applied {
			state, at = "applied", s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
	}
	return w.Flush()
}
