package schema

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/identitykeeper/internal/logging"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func expectExists(mock sqlmock.Sqlmock, o Object, exists bool) {
	var (
		pattern string
		args    []driver.Value
	)

	switch o.Kind {
	case KindExtension:
		pattern, args = `FROM pg_catalog\.pg_extension`, []driver.Value{o.Name}
	case KindFunction:
		pattern, args = `FROM pg_catalog\.pg_proc`, []driver.Value{o.Name}
	case KindTable:
		pattern, args = `FROM pg_catalog\.pg_class`, []driver.Value{o.Name, "r"}
	case KindIndex:
		pattern, args = `FROM pg_catalog\.pg_class`, []driver.Value{o.Name, "i"}
	case KindTrigger:
		pattern, args = `FROM pg_catalog\.pg_trigger`, []driver.Value{o.Name, o.Table}
	case KindConstraint:
		pattern, args = `FROM pg_catalog\.pg_constraint`, []driver.Value{o.Name, o.Table}
	}

	mock.ExpectQuery(pattern).
		WithArgs(args...).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func expectExec(mock sqlmock.Sqlmock, stmt string) *sqlmock.ExpectedExec {
	return mock.ExpectExec(`^` + regexp.QuoteMeta(stmt) + `$`)
}

func TestState(t *testing.T) {
	tests := []struct {
		name    string
		present []bool
		want    State
	}{
		{"absent", []bool{false, false, false, false, false, false}, Absent},
		{"present", []bool{true, true, true, true, true, true}, Present},
		{"partial", []bool{true, true, true, false, false, false}, Partial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMock(t)
			m := NewManager(logging.Nop(), InitObjects()...)

			for i, o := range InitObjects() {
				expectExists(mock, o, tt.present[i])
			}

			got, err := m.State(context.Background(), db)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestState_QueryError(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(logging.Nop(), InitObjects()...)

	mock.ExpectQuery(`pg_extension`).WillReturnError(errors.New("conn reset"))

	_, err := m.State(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `check extension uuid-ossp: conn reset`)
}

func TestApply_FromAbsent(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(logging.Nop(), InitObjects()...)

	for _, o := range InitObjects() {
		expectExists(mock, o, false)
		expectExec(mock, o.Create).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, m.Apply(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_AlreadyPresent(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(logging.Nop(), InitObjects()...)

	for _, o := range InitObjects() {
		expectExists(mock, o, true)
	}

	require.NoError(t, m.Apply(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_Partial(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(logging.Nop(), InitObjects()...)

	for i, o := range InitObjects() {
		if i < 3 {
			expectExists(mock, o, true)
			continue
		}
		expectExists(mock, o, false)
		expectExec(mock, o.Create).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, m.Apply(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApply_CreateError(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(logging.Nop(), UUIDExtension, UpdatedAtFunction)

	expectExists(mock, UUIDExtension, false)
	expectExec(mock, UUIDExtension.Create).WillReturnError(errors.New("permission denied"))

	err := m.Apply(context.Background(), db)
	require.Error(t, err)
	assert.Equal(t, `create extension uuid-ossp: permission denied`, err.Error())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevert_FromPresent(t *testing.T) {
	db, mock := newMock(t)
	objects := InitObjects()
	m := NewManager(logging.Nop(), objects...)

	for i := len(objects) - 1; i >= 0; i-- {
		expectExists(mock, objects[i], true)
		expectExec(mock, objects[i].Drop).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, m.Revert(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevert_NeverApplied(t *testing.T) {
	db, mock := newMock(t)
	objects := InitObjects()
	m := NewManager(logging.Nop(), objects...)

	for i := len(objects) - 1; i >= 0; i-- {
		expectExists(mock, objects[i], false)
	}

	require.NoError(t, m.Revert(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevert_DropError(t *testing.T) {
	db, mock := newMock(t)
	m := NewManager(logging.Nop(), UsersTable, UpdatedAtTrigger)

	expectExists(mock, UpdatedAtTrigger, true)
	expectExec(mock, UpdatedAtTrigger.Drop).WillReturnError(errors.New("lock timeout"))

	err := m.Revert(context.Background(), db)
	require.Error(t, err)
	assert.Equal(t, `drop trigger update_users_updated_at on users: lock timeout`, err.Error())
}

func TestScript(t *testing.T) {
	m := NewManager(logging.Nop(), InitObjects()...)

	up := m.Script(Up)
	ext := strings.Index(up, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`)
	table := strings.Index(up, `CREATE TABLE IF NOT EXISTS users (`)
	trigger := strings.Index(up, `CREATE TRIGGER update_users_updated_at`)
	require.True(t, ext >= 0 && table >= 0 && trigger >= 0, up)
	assert.Less(t, ext, table)
	assert.Less(t, table, trigger)
	assert.True(t, strings.HasSuffix(up, "update_updated_at_column();\n"))

	down := m.Script(Down)
	assert.Equal(t, `DROP TRIGGER IF EXISTS update_users_updated_at ON users;

DROP INDEX IF EXISTS idx_users_pid;

DROP INDEX IF EXISTS idx_users_email;

DROP TABLE IF EXISTS users;

DROP FUNCTION IF EXISTS update_updated_at_column();

DROP EXTENSION IF EXISTS "uuid-ossp";
`, down)
}

func TestObjects_ReturnsCopy(t *testing.T) {
	m := NewManager(logging.Nop(), InitObjects()...)

	objs := m.Objects()
	objs[0].Name = "changed"

	assert.Equal(t, "uuid-ossp", m.Objects()[0].Name)
}

func TestObject_UnknownKind(t *testing.T) {
	db, _ := newMock(t)

	_, err := Object{Kind: "view", Name: "v"}.Exists(context.Background(), db)
	assert.ErrorContains(t, err, `unknown object kind "view"`)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "absent", Absent.String())
	assert.Equal(t, "present", Present.String())
	assert.Equal(t, "partial", Partial.String())
	assert.Equal(t, "State(7)", State(7).String())
}
