package users

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/identitykeeper/internal/common"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

func ptr[T any](v T) *T { return &v }

func assertSameUser(t *testing.T, want, got *models.User) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Pid, got.Pid)
	assert.Equal(t, want.Email, got.Email)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.Password, got.Password)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", want.UpdatedAt, got.UpdatedAt)
}

// testRepositoryContract checks the behavior every Repository must share.
// newRepo must return an empty repository.
func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create then get", func(t *testing.T) {
		r := newRepo(t)

		u, err := r.Create(ctx, models.NewUser{Email: "  alice@example.com ", Name: " Alice ", PasswordHash: "h1"})
		require.NoError(t, err)

		assert.NotZero(t, u.ID)
		assert.NotEqual(t, uuid.Nil, u.Pid)
		assert.Equal(t, "alice@example.com", u.Email)
		assert.Equal(t, "Alice", u.Name)
		assert.Equal(t, "h1", u.Password)
		assert.True(t, u.CreatedAt.Equal(u.UpdatedAt))

		byPid, err := r.GetByPid(ctx, u.Pid)
		require.NoError(t, err)
		assertSameUser(t, u, byPid)

		locked, err := r.GetByPidForUpdate(ctx, u.Pid)
		require.NoError(t, err)
		assertSameUser(t, u, locked)

		byEmail, err := r.GetByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assertSameUser(t, u, byEmail)

		_, err = r.GetByEmail(ctx, "ALICE@example.com")
		assert.ErrorIs(t, err, common.ErrorNotFound)

		_, err = r.GetByPid(ctx, uuid.New())
		assert.ErrorIs(t, err, common.ErrorNotFound)
		_, err = r.GetByPidForUpdate(ctx, uuid.New())
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("duplicate email", func(t *testing.T) {
		r := newRepo(t)

		_, err := r.Create(ctx, models.NewUser{Email: "bob@example.com", Name: "Bob", PasswordHash: "h"})
		require.NoError(t, err)

		_, err = r.Create(ctx, models.NewUser{Email: "bob@example.com", Name: "Bobby", PasswordHash: "h2"})
		assert.ErrorIs(t, err, common.ErrDuplicateEmail)

		n, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		// case is preserved, so this is a different account
		_, err = r.Create(ctx, models.NewUser{Email: "Bob@example.com", Name: "Bob", PasswordHash: "h"})
		assert.NoError(t, err)
	})

	t.Run("update", func(t *testing.T) {
		r := newRepo(t)

		u, err := r.Create(ctx, models.NewUser{Email: "carol@example.com", Name: "Carol", PasswordHash: "h"})
		require.NoError(t, err)

		got, err := r.Update(ctx, u.Pid, models.UserUpdate{Name: ptr(" Caroline ")})
		require.NoError(t, err)
		assert.Equal(t, "Caroline", got.Name)
		assert.Equal(t, u.Email, got.Email)
		assert.Equal(t, u.Password, got.Password)
		assert.Equal(t, u.Pid, got.Pid)
		assert.True(t, got.CreatedAt.Equal(u.CreatedAt))
		assert.True(t, got.UpdatedAt.After(u.UpdatedAt))

		again, err := r.Update(ctx, u.Pid, models.UserUpdate{})
		require.NoError(t, err)
		assert.True(t, again.UpdatedAt.After(got.UpdatedAt))

		moved, err := r.Update(ctx, u.Pid, models.UserUpdate{Email: ptr("carol@new.example.com"), PasswordHash: ptr("h2")})
		require.NoError(t, err)
		assert.Equal(t, "carol@new.example.com", moved.Email)
		assert.Equal(t, "h2", moved.Password)

		_, err = r.GetByEmail(ctx, "carol@example.com")
		assert.ErrorIs(t, err, common.ErrorNotFound)
		byEmail, err := r.GetByEmail(ctx, "carol@new.example.com")
		require.NoError(t, err)
		assert.Equal(t, u.Pid, byEmail.Pid)
	})

	t.Run("update conflicts and missing", func(t *testing.T) {
		r := newRepo(t)

		a, err := r.Create(ctx, models.NewUser{Email: "a@example.com", Name: "A", PasswordHash: "h"})
		require.NoError(t, err)
		_, err = r.Create(ctx, models.NewUser{Email: "b@example.com", Name: "B", PasswordHash: "h"})
		require.NoError(t, err)

		_, err = r.Update(ctx, a.Pid, models.UserUpdate{Email: ptr("b@example.com")})
		assert.ErrorIs(t, err, common.ErrDuplicateEmail)

		unchanged, err := r.GetByPid(ctx, a.Pid)
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", unchanged.Email)

		_, err = r.Update(ctx, uuid.New(), models.UserUpdate{Name: ptr("x")})
		assert.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		r := newRepo(t)

		u, err := r.Create(ctx, models.NewUser{Email: "dave@example.com", Name: "Dave", PasswordHash: "h"})
		require.NoError(t, err)

		require.NoError(t, r.Delete(ctx, u.Pid))

		_, err = r.GetByPid(ctx, u.Pid)
		assert.ErrorIs(t, err, common.ErrorNotFound)
		_, err = r.GetByEmail(ctx, "dave@example.com")
		assert.ErrorIs(t, err, common.ErrorNotFound)

		assert.ErrorIs(t, r.Delete(ctx, u.Pid), common.ErrorNotFound)

		// the email is free again and the new row gets a new id
		again, err := r.Create(ctx, models.NewUser{Email: "dave@example.com", Name: "Dave", PasswordHash: "h"})
		require.NoError(t, err)
		assert.Greater(t, again.ID, u.ID)
		assert.NotEqual(t, u.Pid, again.Pid)
	})

	t.Run("list and count", func(t *testing.T) {
		r := newRepo(t)

		var created []*models.User
		for _, e := range []string{"u1@example.com", "u2@example.com", "u3@example.com"} {
			u, err := r.Create(ctx, models.NewUser{Email: e, Name: e, PasswordHash: "h"})
			require.NoError(t, err)
			created = append(created, u)
		}

		n, err := r.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		page, err := r.List(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, created[0].Pid, page[0].Pid)
		assert.Equal(t, created[1].Pid, page[1].Pid)

		page, err = r.List(ctx, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, created[2].Pid, page[0].Pid)

		page, err = r.List(ctx, 10, 5)
		require.NoError(t, err)
		assert.Empty(t, page)

		_, err = r.List(ctx, 0, 0)
		assert.ErrorIs(t, err, common.ErrorValidation)
	})

	t.Run("concurrent duplicate creates", func(t *testing.T) {
		r := newRepo(t)

		const workers = 8
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			ok, dups int
		)

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Create(ctx, models.NewUser{Email: "race@example.com", Name: "R", PasswordHash: "h"})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case assert.ErrorIs(t, err, common.ErrDuplicateEmail):
					dups++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, ok)
		assert.Equal(t, workers-1, dups)
	})
}
