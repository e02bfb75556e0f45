package schema

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
)

// Kind identifies the catalog an object lives in.
type Kind string

const (
	KindExtension  Kind = "extension"
	KindFunction   Kind = "function"
	KindTable      Kind = "table"
	KindIndex      Kind = "index"
	KindTrigger    Kind = "trigger"
	KindConstraint Kind = "constraint"
)

// Object is a single schema object with the statements that create and drop
// it. Table is the owning table for triggers and constraints.
type Object struct {
	Kind   Kind
	Name   string
	Table  string
	Create string
	Drop   string
}

func (o Object) String() string {
	if o.Table != "" {
		return fmt.Sprintf("%s %s on %s", o.Kind, o.Name, o.Table)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Name)
}

const (
	existsExtension = `SELECT EXISTS (
		SELECT 1 FROM pg_catalog.pg_extension WHERE extname = $1
	)`

	existsFunction = `SELECT EXISTS (
		SELECT 1 FROM pg_catalog.pg_proc p
		JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
		WHERE p.proname = $1 AND n.nspname = current_schema()
	)`

	existsRelation = `SELECT EXISTS (
		SELECT 1 FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relname = $1 AND c.relkind = $2 AND n.nspname = current_schema()
	)`

	existsTrigger = `SELECT EXISTS (
		SELECT 1 FROM pg_catalog.pg_trigger t
		JOIN pg_catalog.pg_class c ON c.oid = t.tgrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE t.tgname = $1 AND c.relname = $2 AND n.nspname = current_schema() AND NOT t.tgisinternal
	)`

	existsConstraint = `SELECT EXISTS (
		SELECT 1 FROM pg_catalog.pg_constraint k
		JOIN pg_catalog.pg_class c ON c.oid = k.conrelid
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE k.conname = $1 AND c.relname = $2 AND n.nspname = current_schema()
	)`
)

// Exists checks the system catalogs for the object.
func (o Object) Exists(ctx context.Context, q dbx.DBTX) (bool, error) {
	var (
		query string
		args  []any
	)

	switch o.Kind {
	case KindExtension:
		query, args = existsExtension, []any{o.Name}
	case KindFunction:
		query, args = existsFunction, []any{o.Name}
	case KindTable:
		query, args = existsRelation, []any{o.Name, "r"}
	case KindIndex:
		query, args = existsRelation, []any{o.Name, "i"}
	case KindTrigger:
		query, args = existsTrigger, []any{o.Name, o.Table}
	case KindConstraint:
		query, args = existsConstraint, []any{o.Name, o.Table}
	default:
		return false, fmt.Errorf("unknown object kind %q", o.Kind)
	}

	var exists bool
	if err := q.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s: %w", o, err)
	}
	return exists, nil
}
