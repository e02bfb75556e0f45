package users

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/cache"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

// UserCache is the cache consulted by CachedRepository.
type UserCache interface {
	GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Set(ctx context.Context, u *models.User) error
	Invalidate(ctx context.Context, users ...*models.User) error
}

// CachedRepository serves lookups from a cache and falls through to the
// wrapped Repository on a miss. Writes go to the Repository first and then
// invalidate the affected entries once the transaction commits. Cache
// failures are logged and otherwise ignored.
type CachedRepository struct {
	inner  Repository
	cache  UserCache
	logger logging.Logger
}

func NewCachedRepository(inner Repository, c UserCache, logger logging.Logger) *CachedRepository {
	return &CachedRepository{inner: inner, cache: c, logger: logger.With("module", "users_cache")}
}

func (r *CachedRepository) cacheError(ctx context.Context, op string, err error) {
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		r.logger.Warn(ctx, "user cache unavailable", "op", op, "error", err)
	}
}

func (r *CachedRepository) fill(ctx context.Context, u *models.User) {
	r.cacheError(ctx, "set", r.cache.Set(ctx, u))
}

// invalidate drops the entries of users once the surrounding transaction
// commits, so a concurrent reader cannot refill them from the old row.
func (r *CachedRepository) invalidate(ctx context.Context, users ...*models.User) {
	dbx.AfterCommit(ctx, func(ctx context.Context) {
		r.cacheError(ctx, "invalidate", r.cache.Invalidate(ctx, users...))
	})
}

func (r *CachedRepository) Create(ctx context.Context, user models.NewUser) (*models.User, error) {
	return r.inner.Create(ctx, user)
}

func (r *CachedRepository) GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	u, err := r.cache.GetByPid(ctx, pid)
	if err == nil {
		return u, nil
	}
	r.cacheError(ctx, "get", err)

	u, err = r.inner.GetByPid(ctx, pid)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, u)
	return u, nil
}

// GetByPidForUpdate always reads the repository and leaves the cache alone,
// since the caller is about to change the row.
func (r *CachedRepository) GetByPidForUpdate(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	return r.inner.GetByPidForUpdate(ctx, pid)
}

func (r *CachedRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)

	u, err := r.cache.GetByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	r.cacheError(ctx, "get", err)

	u, err = r.inner.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	r.fill(ctx, u)
	return u, nil
}

func (r *CachedRepository) Update(ctx context.Context, pid uuid.UUID, upd models.UserUpdate) (*models.User, error) {
	old, err := r.inner.GetByPid(ctx, pid)
	if err != nil {
		return nil, err
	}

	u, err := r.inner.Update(ctx, pid, upd)
	if err != nil {
		return nil, err
	}

	r.invalidate(ctx, old, u)
	return u, nil
}

func (r *CachedRepository) Delete(ctx context.Context, pid uuid.UUID) error {
	old, err := r.inner.GetByPid(ctx, pid)
	if err != nil {
		return err
	}

	if err := r.inner.Delete(ctx, pid); err != nil {
		return err
	}

	r.invalidate(ctx, old)
	return nil
}

func (r *CachedRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	return r.inner.List(ctx, limit, offset)
}

func (r *CachedRepository) Count(ctx context.Context) (int64, error) {
	return r.inner.Count(ctx)
}
