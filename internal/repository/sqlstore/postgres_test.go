package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/repotrack/internal/apperror"
	"github.com/sakif/repotrack/internal/model"
)

// newPostgresStoreWithMock wires a postgres-dialect Store to sqlmock so the
// rebound queries and pg error classification can be checked without a
// server.
func newPostgresStoreWithMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	s := newStore(db, BackendPostgres)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, mock
}

var accountRowColumns = []string{
	"id", "first_name", "last_name", "email", "password_hash", "date_of_birth",
	"secondary_identifier", "created_at", "updated_at",
}

func TestRebind(t *testing.T) {
	pg := newStore(nil, BackendPostgres)
	lite := newStore(nil, BackendSQLite)

	q := "UPDATE accounts SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, "UPDATE accounts SET a = $1, b = $2 WHERE id = $3", pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
}

func TestPostgresCreate_Success(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)

	q := `(?s)^\s*INSERT\s+INTO\s+accounts\s*\(.*\)\s*VALUES\s*\(\$1,\s*\$2,\s*\$3,\s*\$4,\s*\$5,\s*\$6,\s*\$7,\s*\$8,\s*\$9\)\s*$`
	mock.ExpectExec(q).
		WithArgs(sqlmock.AnyArg(), "Ana", "Diaz", "ana@example.com", "hash", "1995-05-20",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a := &model.Account{
		FirstName:    "Ana",
		LastName:     "Diaz",
		Email:        "ana@example.com",
		PasswordHash: "hash",
		DateOfBirth:  model.NewDate(1995, time.May, 20),
	}
	require.NoError(t, s.Create(context.Background(), a))
	assert.NotEmpty(t, a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreate_UniqueViolation(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		wantField  string
	}{
		{name: "email", constraint: "idx_accounts_email", wantField: "email"},
		{name: "secondary identifier", constraint: "idx_accounts_secondary_identifier", wantField: "secondaryIdentifier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newPostgresStoreWithMock(t)
			mock.ExpectExec(`INSERT\s+INTO\s+accounts`).
				WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: tt.constraint})

			err := s.Create(context.Background(), &model.Account{Email: "x@y.z"})

			require.ErrorIs(t, err, apperror.ErrDuplicate)
			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

func TestPostgresCreate_OtherErrorIsNotDuplicate(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	mock.ExpectExec(`INSERT\s+INTO\s+accounts`).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.NotNullViolation})

	err := s.Create(context.Background(), &model.Account{})

	require.Error(t, err)
	assert.NotErrorIs(t, err, apperror.ErrDuplicate)
}

func TestPostgresFindByEmail(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q := `(?s)^SELECT\s+id,.*\s+FROM\s+accounts\s+WHERE\s+email\s*=\s*\$1$`
	mock.ExpectQuery(q).
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acc-1", "Ana", "Diaz", "ana@example.com", "hash", "1995-05-20", nil, created, created))

	a, err := s.FindByEmail(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", a.ID)
	assert.Equal(t, "1995-05-20", a.DateOfBirth.String())
	assert.Nil(t, a.SecondaryIdentifier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindByID_NotFound(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	mock.ExpectQuery(`WHERE\s+id\s*=\s*\$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestPostgresFindByID_DBError(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	mock.ExpectQuery(`WHERE\s+id\s*=\s*\$1`).
		WithArgs("acc-1").
		WillReturnError(errors.New("db down"))

	_, err := s.FindByID(context.Background(), "acc-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperror.ErrNotFound)
	assert.Contains(t, err.Error(), "db down")
}

func TestPostgresUpdate_RebindsPatchColumns(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)^UPDATE\s+accounts\s+SET\s+first_name\s*=\s*\$1,\s*email\s*=\s*\$2,\s*updated_at\s*=\s*\$3\s+WHERE\s+id\s*=\s*\$4$`).
		WithArgs("Ana", "ana@new.cl", sqlmock.AnyArg(), "acc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`WHERE\s+id\s*=\s*\$1`).
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("acc-1", "Ana", "Diaz", "ana@new.cl", "hash", "1995-05-20", "12345678-5", created, created))

	first, email := "Ana", "ana@new.cl"
	a, err := s.Update(context.Background(), "acc-1", model.AccountPatch{FirstName: &first, Email: &email})
	require.NoError(t, err)
	assert.Equal(t, "ana@new.cl", a.Email)
	require.NotNil(t, a.SecondaryIdentifier)
	assert.Equal(t, "12345678-5", *a.SecondaryIdentifier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdate_NoRows(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	mock.ExpectExec(`UPDATE\s+accounts`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	name := "x"
	_, err := s.Update(context.Background(), "ghost", model.AccountPatch{FirstName: &name})
	assert.ErrorIs(t, err, apperror.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList_SelectsNoHash(t *testing.T) {
	s, mock := newPostgresStoreWithMock(t)
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*first_name,\s*last_name,\s*email,\s*date_of_birth,.*FROM\s+accounts\s+ORDER\s+BY`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "first_name", "last_name", "email", "date_of_birth", "secondary_identifier", "created_at", "updated_at",
		}).AddRow("acc-1", "Ana", "Diaz", "ana@example.com", "1995-05-20", nil, created, created))

	all, err := s.ListExcludingSecrets(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Empty(t, all[0].PasswordHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}
