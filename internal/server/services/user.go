// Package services contains server-side business logic. This file implements
// UserService, which handles registration, credential checks and profile
// maintenance of user accounts on top of the users repository.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/dmitrijs2005/identitykeeper/internal/common"
	"github.com/dmitrijs2005/identitykeeper/internal/cryptox"
	"github.com/dmitrijs2005/identitykeeper/internal/dbx"
	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/metrics"
	"github.com/dmitrijs2005/identitykeeper/internal/server/models"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/identitykeeper/internal/server/repositories/users"
)

// Validation rules shared by registration and updates.
const (
	emailRules    = "required,email,max=255"
	nameRules     = "required,max=255"
	passwordRules = "required,min=8,max=72"

	// maxPasswordBytes is the longest input bcrypt accepts.
	maxPasswordBytes = 72
)

// UserService provides account operations:
//   - Register: validate, hash and store a new user
//   - Authenticate: check credentials, upgrading outdated hashes
//   - UpdateProfile, ChangePassword, SetPassword, Delete: maintenance
//   - GetByPid, GetByEmail, List: lookups
//
// Every call is reported to the metrics Recorder.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      cryptox.Hasher
	validate    *validator.Validate
	recorder    metrics.Recorder
	logger      logging.Logger

	dummyOnce sync.Once
	dummyHash string
}

// NewUserService constructs a UserService. db may be nil when the repository
// manager does not need a connection (memory storage); multi-statement
// operations then run without a transaction.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager, hasher cryptox.Hasher, recorder metrics.Recorder, logger logging.Logger) *UserService {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &UserService{
		db:          db,
		repomanager: m,
		hasher:      hasher,
		validate:    validator.New(),
		recorder:    recorder,
		logger:      logger.With("module", "user_service"),
	}
}

// Register creates a new user. Email and name are trimmed before validation.
func (s *UserService) Register(ctx context.Context, email, name, password string) (u *models.User, err error) {
	defer s.observe("register", time.Now(), &err)

	email, name = strings.TrimSpace(email), strings.TrimSpace(name)
	if err := errors.Join(
		s.check("email", email, emailRules),
		s.check("name", name, nameRules),
		s.check("password", password, passwordRules),
	); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}
	if len(password) > maxPasswordBytes {
		return nil, fmt.Errorf("%w: password is longer than %d bytes", common.ErrorValidation, maxPasswordBytes)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}

	repo := s.repomanager.Users(s.db)
	u, err = repo.Create(ctx, models.NewUser{Email: email, Name: name, PasswordHash: hash})
	if err != nil {
		return nil, fmt.Errorf("error creating user: %w", err)
	}

	s.logger.Info(ctx, "user registered", "pid", u.Pid)
	return u, nil
}

// Authenticate returns the user owning email when password matches. Unknown
// emails and wrong passwords both yield common.ErrInvalidCredentials; for
// unknown emails a dummy hash is verified so both paths cost the same.
// A hash produced with outdated parameters is replaced on success.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (u *models.User, err error) {
	defer s.observe("authenticate", time.Now(), &err)

	repo := s.repomanager.Users(s.db)
	u, err = repo.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			s.burnVerify(password)
			return nil, common.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("error searching user: %w", err)
	}

	ok, err := s.hasher.Verify(u.Password, password)
	if err != nil {
		return nil, fmt.Errorf("error verifying password: %w", err)
	}
	if !ok {
		return nil, common.ErrInvalidCredentials
	}

	if s.hasher.NeedsRehash(u.Password) {
		u = s.rehash(ctx, repo, u, password)
	}

	return u, nil
}

func (s *UserService) rehash(ctx context.Context, repo users.Repository, u *models.User, password string) *models.User {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn(ctx, "password rehash failed", "pid", u.Pid, "error", err)
		return u
	}
	updated, err := repo.Update(ctx, u.Pid, models.UserUpdate{PasswordHash: &hash})
	if err != nil {
		s.logger.Warn(ctx, "password rehash failed", "pid", u.Pid, "error", err)
		return u
	}
	s.logger.Debug(ctx, "password rehashed", "pid", u.Pid)
	return updated
}

func (s *UserService) burnVerify(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash(uuid.NewString())
	})
	if s.dummyHash != "" {
		_, _ = s.hasher.Verify(s.dummyHash, password)
	}
}

// GetByPid returns the user with the given public id.
func (s *UserService) GetByPid(ctx context.Context, pid uuid.UUID) (u *models.User, err error) {
	defer s.observe("get_by_pid", time.Now(), &err)

	u, err = s.repomanager.Users(s.db).GetByPid(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("error searching user: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user with the given email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (u *models.User, err error) {
	defer s.observe("get_by_email", time.Now(), &err)

	u, err = s.repomanager.Users(s.db).GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("error searching user: %w", err)
	}
	return u, nil
}

// List returns one page of users ordered by id together with the total
// number of users.
func (s *UserService) List(ctx context.Context, limit, offset int) (page []*models.User, total int64, err error) {
	defer s.observe("list", time.Now(), &err)

	err = s.inTx(ctx, func(ctx context.Context, repo users.Repository) error {
		var err error
		if page, err = repo.List(ctx, limit, offset); err != nil {
			return err
		}
		total, err = repo.Count(ctx)
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("error listing users: %w", err)
	}
	return page, total, nil
}

// UpdateProfile changes the name and/or email of a user. Nil arguments are
// left untouched; when both are nil the current user is returned.
func (s *UserService) UpdateProfile(ctx context.Context, pid uuid.UUID, name, email *string) (u *models.User, err error) {
	defer s.observe("update_profile", time.Now(), &err)

	var upd models.UserUpdate
	var errs []error
	if name != nil {
		n := strings.TrimSpace(*name)
		errs = append(errs, s.check("name", n, nameRules))
		upd.Name = &n
	}
	if email != nil {
		e := strings.TrimSpace(*email)
		errs = append(errs, s.check("email", e, emailRules))
		upd.Email = &e
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}

	repo := s.repomanager.Users(s.db)
	if upd.Empty() {
		u, err = repo.GetByPid(ctx, pid)
	} else {
		u, err = repo.Update(ctx, pid, upd)
	}
	if err != nil {
		return nil, fmt.Errorf("error updating user: %w", err)
	}
	return u, nil
}

// ChangePassword replaces the password of a user after checking the current
// one. A wrong current password yields common.ErrInvalidCredentials.
func (s *UserService) ChangePassword(ctx context.Context, pid uuid.UUID, oldPassword, newPassword string) (err error) {
	defer s.observe("change_password", time.Now(), &err)

	if err := s.checkPassword(newPassword); err != nil {
		return err
	}

	err = s.inTx(ctx, func(ctx context.Context, repo users.Repository) error {
		u, err := repo.GetByPidForUpdate(ctx, pid)
		if err != nil {
			return err
		}

		ok, err := s.hasher.Verify(u.Password, oldPassword)
		if err != nil {
			return fmt.Errorf("error verifying password: %w", err)
		}
		if !ok {
			return common.ErrInvalidCredentials
		}

		return s.storePassword(ctx, repo, pid, newPassword)
	})
	if err != nil {
		return fmt.Errorf("error changing password: %w", err)
	}
	return nil
}

// SetPassword replaces the password of a user without checking the current
// one. It is meant for administrative tooling.
func (s *UserService) SetPassword(ctx context.Context, pid uuid.UUID, password string) (err error) {
	defer s.observe("set_password", time.Now(), &err)

	if err := s.checkPassword(password); err != nil {
		return err
	}
	if err := s.storePassword(ctx, s.repomanager.Users(s.db), pid, password); err != nil {
		return fmt.Errorf("error setting password: %w", err)
	}
	return nil
}

// Delete removes a user.
func (s *UserService) Delete(ctx context.Context, pid uuid.UUID) (err error) {
	defer s.observe("delete", time.Now(), &err)

	if err := s.repomanager.Users(s.db).Delete(ctx, pid); err != nil {
		return fmt.Errorf("error deleting user: %w", err)
	}
	s.logger.Info(ctx, "user deleted", "pid", pid)
	return nil
}

// --- helpers below ---

func (s *UserService) storePassword(ctx context.Context, repo users.Repository, pid uuid.UUID, password string) error {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	_, err = repo.Update(ctx, pid, models.UserUpdate{PasswordHash: &hash})
	return err
}

func (s *UserService) checkPassword(password string) error {
	if err := s.check("password", password, passwordRules); err != nil {
		return fmt.Errorf("%w: %w", common.ErrorValidation, err)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: password is longer than %d bytes", common.ErrorValidation, maxPasswordBytes)
	}
	return nil
}

// inTx runs fn against a repository bound to a transaction, or directly when
// the service has no database.
func (s *UserService) inTx(ctx context.Context, fn func(ctx context.Context, repo users.Repository) error) error {
	if s.db == nil {
		return fn(ctx, s.repomanager.Users(nil))
	}
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, s.repomanager.Users(tx))
	})
}

func (s *UserService) check(field, value, rules string) error {
	if err := s.validate.Var(value, rules); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s %s", field, describe(verrs[0]))
		}
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "is not a valid email"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}

func (s *UserService) observe(op string, start time.Time, err *error) {
	s.recorder.RecordOperation(op, resultOf(*err), time.Since(start))
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, common.ErrorNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, common.ErrDuplicateEmail), errors.Is(err, common.ErrDuplicatePid):
		return metrics.ResultConflict
	case errors.Is(err, common.ErrorValidation):
		return metrics.ResultInvalid
	case errors.Is(err, common.ErrInvalidCredentials):
		return metrics.ResultDenied
	default:
		return metrics.ResultError
	}
}
