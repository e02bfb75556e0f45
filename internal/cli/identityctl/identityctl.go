// Package identityctl implements the administrative command line for the
// user store. It runs the same service stack as the server against the
// configured storage.
//
// Commands:
//
//	register <email> <name>    create a user, password read from the terminal
//	get <pid>                  show a user by pid
//	find <email>               show a user by email
//	rename <pid> <name>        change the display name
//	set-email <pid> <email>    change the email
//	passwd <pid>               set a new password
//	delete <pid>               remove a user
//	list [limit [offset]]      list users ordered by id
//	verify <email>             check a password
package identityctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/identitykeeper/internal/flagx"
	"github.com/dmitrijs2005/identitykeeper/internal/server"
	"github.com/dmitrijs2005/identitykeeper/internal/server/config"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage: identityctl [flags] register|get|find|rename|set-email|passwd|delete|list|verify ...")

const defaultPageSize = 50

// userService is the subset of *services.UserService used by the commands.
type userService interface {
	Register(ctx context.Context, email, name, password string) (*models.User, error)
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
	GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	List(ctx context.Context, limit, offset int) ([]*models.User, int64, error)
	UpdateProfile(ctx context.Context, pid uuid.UUID, name, email *string) (*models.User, error)
	SetPassword(ctx context.Context, pid uuid.UUID, password string) error
	Delete(ctx context.Context, pid uuid.UUID) error
}

// newService is a seam for tests.
var newService = func(ctx context.Context, cfg *config.Config) (userService, func() error, error) {
	app, err := server.NewApp(ctx, cfg, server.WithLogOutput(os.Stderr))
	if err != nil {
		return nil, nil, err
	}
	return app.Users(), app.Close, nil
}

type command struct {
	args int
	run  func(c *ctl, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"register":  {2, (*ctl).register},
	"get":       {1, (*ctl).get},
	"find":      {1, (*ctl).find},
	"rename":    {2, (*ctl).rename},
	"set-email": {2, (*ctl).setEmail},
	"passwd":    {1, (*ctl).passwd},
	"delete":    {1, (*ctl).delete},
	"list":      {-1, (*ctl).list},
	"verify":    {1, (*ctl).verify},
}

type ctl struct {
	users  userService
	prompt *prompter
	out    io.Writer
}

// Run executes the command line args. Passwords are read from in.
func Run(ctx context.Context, args []string, in io.Reader, out io.Writer) error {
	rest := flagx.StripArgs(args, config.Flags)
	if len(rest) == 0 {
		return ErrUsage
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", ErrUsage, rest[0])
	}
	params := rest[1:]
	if (cmd.args >= 0 && len(params) != cmd.args) || (cmd.args < 0 && len(params) > 2) {
		return ErrUsage
	}

	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	users, closeFn, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	c := &ctl{users: users, prompt: newPrompter(in, out), out: out}
	return cmd.run(c, ctx, params)
}

func parsePid(s string) (uuid.UUID, error) {
	pid, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid pid %q", ErrUsage, s)
	}
	return pid, nil
}

func (c *ctl) register(ctx context.Context, args []string) error {
	pw, err := c.prompt.newPassword()
	if err != nil {
		return err
	}
	u, err := c.users.Register(ctx, args[0], args[1], pw)
	if err != nil {
		return err
	}
	return c.show(u)
}

func (c *ctl) get(ctx context.Context, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	u, err := c.users.GetByPid(ctx, pid)
	if err != nil {
		return err
	}
	return c.show(u)
}

func (c *ctl) find(ctx context.Context, args []string) error {
	u, err := c.users.GetByEmail(ctx, args[0])
	if err != nil {
		return err
	}
	return c.show(u)
}

func (c *ctl) rename(ctx context.Context, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	u, err := c.users.UpdateProfile(ctx, pid, &args[1], nil)
	if err != nil {
		return err
	}
	return c.show(u)
}

func (c *ctl) setEmail(ctx context.Context, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	u, err := c.users.UpdateProfile(ctx, pid, nil, &args[1])
	if err != nil {
		return err
	}
	return c.show(u)
}

func (c *ctl) passwd(ctx context.Context, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	pw, err := c.prompt.newPassword()
	if err != nil {
		return err
	}
	if err := c.users.SetPassword(ctx, pid, pw); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "password updated")
	return err
}

func (c *ctl) delete(ctx context.Context, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	if err := c.users.Delete(ctx, pid); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "deleted", pid)
	return err
}

func (c *ctl) list(ctx context.Context, args []string) error {
	limit, offset := defaultPageSize, 0
	var err error
	if len(args) > 0 {
		if limit, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("%w: invalid limit %q", ErrUsage, args[0])
		}
	}
	if len(args) > 1 {
		if offset, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("%w: invalid offset %q", ErrUsage, args[1])
		}
	}

	page, total, err := c.users.List(ctx, limit, offset)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPID\tEMAIL\tNAME\tCREATED AT")
	for _, u := range page {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Pid, u.Email, u.Name, u.CreatedAt.UTC().Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(c.out, "%d of %d users\n", len(page), total)
	return err
}

func (c *ctl) verify(ctx context.Context, args []string) error {
	pw, err := c.prompt.password("Password: ")
	if err != nil {
		return err
	}
	u, err := c.users.Authenticate(ctx, args[0], pw)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "ok", u.Pid)
	return err
}

func (c *ctl) show(u *models.User) error {
	w := tabwriter.NewWriter(c.out, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "id:\t%d\n", u.ID)
	fmt.Fprintf(w, "pid:\t%s\n", u.Pid)
	fmt.Fprintf(w, "email:\t%s\n", u.Email)
	fmt.Fprintf(w, "name:\t%s\n", u.Name)
	fmt.Fprintf(w, "created_at:\t%s\n", u.CreatedAt.UTC().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "updated_at:\t%s\n", u.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return w.Flush()
}
