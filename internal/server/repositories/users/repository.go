// Package users stores user accounts.
//
// All implementations share the same contract: email and pid are unique,
// pid is assigned at creation and never changes, created_at is set once,
// and every successful Create or Update sets updated_at from a single clock
// so that it never goes backwards and strictly increases on update.
package users

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/identitykeeper/internal/common"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user models.NewUser) (*models.User, error)
	GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error)
	// GetByPidForUpdate reads the user and, when the repository is bound to
	// a transaction, locks the row until it ends.
	GetByPidForUpdate(ctx context.Context, pid uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, pid uuid.UUID, upd models.UserUpdate) (*models.User, error)
	Delete(ctx context.Context, pid uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*models.User, error)
	Count(ctx context.Context) (int64, error)
}

// pidAttempts bounds retries when a freshly generated pid collides.
const pidAttempts = 3

// newPid is a seam for tests.
var newPid = uuid.New

// normalizeEmail trims surrounding whitespace. Case is preserved and
// compared byte-exact.
func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

func normalizeName(name string) string {
	return strings.TrimSpace(name)
}

func normalizeUpdate(upd models.UserUpdate) models.UserUpdate {
	if upd.Email != nil {
		e := normalizeEmail(*upd.Email)
		upd.Email = &e
	}
	if upd.Name != nil {
		n := normalizeName(*upd.Name)
		upd.Name = &n
	}
	return upd
}

func checkPage(limit, offset int) error {
	if limit <= 0 || offset < 0 {
		return fmt.Errorf("%w: invalid page limit=%d offset=%d", common.ErrorValidation, limit, offset)
	}
	return nil
}
