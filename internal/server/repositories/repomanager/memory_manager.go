package repomanager

import (
	"context"
	"database/sql"
	"time"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/server/migrations"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/users"
)

// MemoryRepositoryManager serves a single in-process users repository
// regardless of the connection it is given. There is nothing to migrate.
type MemoryRepositoryManager struct {
	users *users.MemoryRepository
}

func NewMemoryRepositoryManager(now func() time.Time) *MemoryRepositoryManager {
	return &MemoryRepositoryManager{users: users.NewMemoryRepository(now)}
}

func (m *MemoryRepositoryManager) Users(dbx.DBTX) users.Repository {
	return m.users
}

func (m *MemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) (migrations.Report, error) {
	return migrations.Report{}, nil
}
