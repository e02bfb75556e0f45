package users

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/identitykeeper/internal/common"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

// MemoryRepository keeps users in process memory. It is used by tests and by
// the memory storage mode; contents are lost on restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	now     func() time.Time
	nextID  int32
	byPid   map[uuid.UUID]*models.User
	byEmail map[string]uuid.UUID
}

// NewMemoryRepository returns an empty repository reading time from now, or
// from time.Now when now is nil.
func NewMemoryRepository(now func() time.Time) *MemoryRepository {
	if now == nil {
		now = time.Now
	}
	return &MemoryRepository{
		now:     now,
		byPid:   make(map[uuid.UUID]*models.User),
		byEmail: make(map[string]uuid.UUID),
	}
}

func clone(u *models.User) *models.User {
	c := *u
	return &c
}

func (r *MemoryRepository) Create(ctx context.Context, user models.NewUser) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	email := normalizeEmail(user.Email)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byEmail[email]; ok {
		return nil, common.ErrDuplicateEmail
	}

	pid := newPid()
	for attempt := 1; ; attempt++ {
		if _, taken := r.byPid[pid]; !taken {
			break
		}
		if attempt >= pidAttempts {
			return nil, common.ErrDuplicatePid
		}
		pid = newPid()
	}

	r.nextID++
	ts := r.now().UTC().Truncate(time.Microsecond)

	u := &models.User{
		ID:        r.nextID,
		Pid:       pid,
		Email:     email,
		Name:      normalizeName(user.Name),
		Password:  user.PasswordHash,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	r.byPid[pid] = u
	r.byEmail[email] = pid

	return clone(u), nil
}

func (r *MemoryRepository) GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.byPid[pid]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return clone(u), nil
}

// GetByPidForUpdate is GetByPid: writes are already serialized by mu.
func (r *MemoryRepository) GetByPidForUpdate(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	return r.GetByPid(ctx, pid)
}

func (r *MemoryRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	pid, ok := r.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return clone(r.byPid[pid]), nil
}

func (r *MemoryRepository) Update(ctx context.Context, pid uuid.UUID, upd models.UserUpdate) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	upd = normalizeUpdate(upd)

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byPid[pid]
	if !ok {
		return nil, common.ErrorNotFound
	}

	if upd.Email != nil && *upd.Email != u.Email {
		if _, taken := r.byEmail[*upd.Email]; taken {
			return nil, common.ErrDuplicateEmail
		}
		delete(r.byEmail, u.Email)
		r.byEmail[*upd.Email] = pid
		u.Email = *upd.Email
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.PasswordHash != nil {
		u.Password = *upd.PasswordHash
	}

	ts := r.now().UTC().Truncate(time.Microsecond)
	if !ts.After(u.UpdatedAt) {
		ts = u.UpdatedAt.Add(time.Microsecond)
	}
	u.UpdatedAt = ts

	return clone(u), nil
}

func (r *MemoryRepository) Delete(ctx context.Context, pid uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.byPid[pid]
	if !ok {
		return common.ErrorNotFound
	}
	delete(r.byEmail, u.Email)
	delete(r.byPid, pid)
	return nil
}

func (r *MemoryRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPage(limit, offset); err != nil {
		return nil, err
	}

	r.mu.RLock()
	all := make([]*models.User, 0, len(r.byPid))
	for _, u := range r.byPid {
		all = append(all, clone(u))
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if offset >= len(all) {
		return []*models.User{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *MemoryRepository) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	return int64(len(r.byPid)), nil
}
