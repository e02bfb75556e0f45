// Package schema applies and reverts a set of PostgreSQL schema objects.
//
// A Manager holds objects in dependency order. Apply creates the ones that
// are missing in that order; Revert drops the ones that exist in reverse
// order. Every object is looked up in pg_catalog before acting, so both
// operations are idempotent and safe on a partially applied schema.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
)

// State describes how much of a Manager's schema exists.
type State int

const (
	Absent State = iota
	Present
	Partial
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Present:
		return "present"
	case Partial:
		return "partial"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Direction selects the statements rendered by Script.
type Direction int

const (
	Up Direction = iota
	Down
)

type Manager struct {
	objects []Object
	logger  logging.Logger
}

// NewManager returns a Manager for objects, given in creation order.
func NewManager(logger logging.Logger, objects ...Object) *Manager {
	return &Manager{
		objects: objects,
		logger:  logger.With("module", "schema"),
	}
}

// Objects returns the managed objects in creation order.
func (m *Manager) Objects() []Object {
	out := make([]Object, len(m.objects))
	copy(out, m.objects)
	return out
}

// State reports whether none, all, or some of the objects exist.
func (m *Manager) State(ctx context.Context, q dbx.DBTX) (State, error) {
	present := 0
	for _, o := range m.objects {
		ok, err := o.Exists(ctx, q)
		if err != nil {
			return Absent, err
		}
		if ok {
			present++
		}
	}

	switch {
	case present == 0:
		return Absent, nil
	case present == len(m.objects):
		return Present, nil
	}
	return Partial, nil
}

// Apply creates every missing object in order.
func (m *Manager) Apply(ctx context.Context, q dbx.DBTX) error {
	for _, o := range m.objects {
		ok, err := o.Exists(ctx, q)
		if err != nil {
			return err
		}
		if ok {
			m.logger.Debug(ctx, "schema object present, skipping", "object", o.String())
			continue
		}
		if _, err := q.ExecContext(ctx, o.Create); err != nil {
			return fmt.Errorf("create %s: %w", o, err)
		}
		m.logger.Info(ctx, "schema object created", "object", o.String())
	}
	return nil
}

// Revert drops every existing object in reverse order.
func (m *Manager) Revert(ctx context.Context, q dbx.DBTX) error {
	for i := len(m.objects) - 1; i >= 0; i-- {
		o := m.objects[i]
		ok, err := o.Exists(ctx, q)
		if err != nil {
			return err
		}
		if !ok {
			m.logger.Debug(ctx, "schema object absent, skipping", "object", o.String())
			continue
		}
		if _, err := q.ExecContext(ctx, o.Drop); err != nil {
			return fmt.Errorf("drop %s: %w", o, err)
		}
		m.logger.Info(ctx, "schema object dropped", "object", o.String())
	}
	return nil
}

// Script renders the statements Apply (Up) or Revert (Down) would run
// against an absent or fully present schema respectively.
func (m *Manager) Script(dir Direction) string {
	var b strings.Builder

	write := func(stmt string) {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(stmt)
		b.WriteString(";")
	}

	if dir == Up {
		for _, o := range m.objects {
			write(o.Create)
		}
	} else {
		for i := len(m.objects) - 1; i >= 0; i-- {
			write(m.objects[i].Drop)
		}
	}

	b.WriteString("\n")
	return b.String()
}
