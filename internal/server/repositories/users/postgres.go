package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/identitykeeper/internal/common"
	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
)

const (
	emailConstraint = "users_email_key"
	pidConstraint   = "users_pid_key"
)

// PostgresRepository stores users in the users table. Timestamps come from
// the transaction clock (now()) and are assigned by the statements below.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, pid, email, name, password, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Pid, &u.Email, &u.Name, &u.Password, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func translateError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return common.ErrorNotFound
	}
	if constraint, ok := dbx.UniqueViolation(err); ok {
		switch constraint {
		case emailConstraint:
			return common.ErrDuplicateEmail
		case pidConstraint:
			return common.ErrDuplicatePid
		}
	}
	return fmt.Errorf("db error: %w", err)
}

func (r *PostgresRepository) Create(ctx context.Context, user models.NewUser) (*models.User, error) {
	query :=
		`INSERT INTO users (pid, email, name, password, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now())
		 RETURNING ` + userColumns

	email := normalizeEmail(user.Email)
	name := normalizeName(user.Name)

	var err error
	for attempt := 0; attempt < pidAttempts; attempt++ {
		var u *models.User
		u, err = scanUser(r.db.QueryRowContext(ctx, query, newPid(), email, name, user.PasswordHash))
		if err == nil {
			return u, nil
		}
		err = translateError(err)
		if !errors.Is(err, common.ErrDuplicatePid) {
			return nil, err
		}
	}
	return nil, err
}

func (r *PostgresRepository) GetByPid(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 WHERE pid = $1`

	u, err := scanUser(r.db.QueryRowContext(ctx, query, pid))
	if err != nil {
		return nil, translateError(err)
	}
	return u, nil
}

func (r *PostgresRepository) GetByPidForUpdate(ctx context.Context, pid uuid.UUID) (*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 WHERE pid = $1
		 FOR UPDATE`

	u, err := scanUser(r.db.QueryRowContext(ctx, query, pid))
	if err != nil {
		return nil, translateError(err)
	}
	return u, nil
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 WHERE email = $1`

	u, err := scanUser(r.db.QueryRowContext(ctx, query, normalizeEmail(email)))
	if err != nil {
		return nil, translateError(err)
	}
	return u, nil
}

// Update applies the non-nil fields of upd. updated_at moves to the current
// transaction time, or one microsecond past its previous value when the
// clock has not advanced, so it is strictly greater after every update.
func (r *PostgresRepository) Update(ctx context.Context, pid uuid.UUID, upd models.UserUpdate) (*models.User, error) {
	query :=
		`UPDATE users
		 SET email = COALESCE($2, email),
		     name = COALESCE($3, name),
		     password = COALESCE($4, password),
		     updated_at = GREATEST(now(), updated_at + interval '1 microsecond')
		 WHERE pid = $1
		 RETURNING ` + userColumns

	upd = normalizeUpdate(upd)

	u, err := scanUser(r.db.QueryRowContext(ctx, query, pid, upd.Email, upd.Name, upd.PasswordHash))
	if err != nil {
		return nil, translateError(err)
	}
	return u, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, pid uuid.UUID) error {
	query := `DELETE FROM users WHERE pid = $1`

	res, err := r.db.ExecContext(ctx, query, pid)
	if err != nil {
		return translateError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, limit, offset int) ([]*models.User, error) {
	query :=
		`SELECT ` + userColumns + ` FROM users
		 ORDER BY id
		 LIMIT $1 OFFSET $2`

	if err := checkPage(limit, offset); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	out := make([]*models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}
