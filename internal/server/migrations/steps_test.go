package migrations

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/identitykeeper/internal/logging"
	"github.com/dmitrijs2005/identitykeeper/internal/server/schema"
)

func exists(b bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"exists"}).AddRow(b)
}

func TestAppManagedTimestamps_Up(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	step := UsersSteps(logging.Nop())[1]

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM pg_catalog\.pg_trigger`).WithArgs("update_users_updated_at", "users").WillReturnRows(exists(true))
	mock.ExpectExec(regexp.QuoteMeta(schema.UpdatedAtTrigger.Drop)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM pg_catalog\.pg_proc`).WithArgs("update_updated_at_column").WillReturnRows(exists(true))
	mock.ExpectExec(regexp.QuoteMeta(schema.UpdatedAtFunction.Drop)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM pg_catalog\.pg_constraint`).WithArgs("users_updated_at_check", "users").WillReturnRows(exists(false))
	mock.ExpectExec(regexp.QuoteMeta(schema.UpdatedAtCheck.Create)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, step.Up(context.Background(), tx))
	require.NoError(t, tx.Commit())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppManagedTimestamps_Down(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	step := UsersSteps(logging.Nop())[1]

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM pg_catalog\.pg_constraint`).WithArgs("users_updated_at_check", "users").WillReturnRows(exists(true))
	mock.ExpectExec(regexp.QuoteMeta(schema.UpdatedAtCheck.Drop)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM pg_catalog\.pg_proc`).WithArgs("update_updated_at_column").WillReturnRows(exists(false))
	mock.ExpectExec(regexp.QuoteMeta(schema.UpdatedAtFunction.Create)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`FROM pg_catalog\.pg_trigger`).WithArgs("update_users_updated_at", "users").WillReturnRows(exists(false))
	mock.ExpectExec(regexp.QuoteMeta(schema.UpdatedAtTrigger.Create)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, step.Down(context.Background(), tx))
	require.NoError(t, tx.Rollback())

	assert.NoError(t, mock.ExpectationsWereMet())
}
