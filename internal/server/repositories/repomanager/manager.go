package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/server/migrations"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/users"
)

// RepositoryManager vends repositories bound to a connection or transaction
// and owns the schema migrations of the backing store.
type RepositoryManager interface {
	RunMigrations(ctx context.Context, db *sql.DB) (migrations.Report, error)
	Users(db dbx.DBTX) users.Repository
}
