package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rs/xid"
	"github.com/samber/oops"

	"github.com/sakif/repotrack/internal/apperror"
	"github.com/sakif/repotrack/internal/model"
	"github.com/sakif/repotrack/internal/repository"
)

// compile-time check that *Store implements repository.AccountRepository
var _ repository.AccountRepository = (*Store)(nil)

const accountColumns = `id, first_name, last_name, email, password_hash, date_of_birth,
	secondary_identifier, created_at, updated_at`

// publicAccountColumns leaves out password_hash.
const publicAccountColumns = `id, first_name, last_name, email, date_of_birth,
	secondary_identifier, created_at, updated_at`

// Create inserts a new account. The unique indexes on email and
// secondary_identifier reject duplicates inside the INSERT itself, so no
// read-then-write race exists.
func (s *Store) Create(ctx context.Context, a *model.Account) error {
	now := s.now()
	a.ID = xid.New().String()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID,
		a.FirstName,
		a.LastName,
		a.Email,
		a.PasswordHash,
		a.DateOfBirth,
		nullString(a.SecondaryIdentifier),
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		a.ID = ""
		if field, ok := uniqueViolation(err); ok {
			return apperror.Duplicate("account", field)
		}
		return oops.In("sqlstore").Code("STORE_INSERT_FAILED").With("operation", "create account").Wrap(err)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*model.Account, error) {
	a, err := s.findOne(ctx, "id", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFound("account", id)
	}
	return a, err
}

// FindByEmail matches the stored (lower-cased) email exactly; callers
// normalize before calling.
func (s *Store) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	a, err := s.findOne(ctx, "email", email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFoundMessage("no account registered with that email")
	}
	return a, err
}

func (s *Store) FindBySecondaryIdentifier(ctx context.Context, value string) (*model.Account, error) {
	a, err := s.findOne(ctx, "secondary_identifier", value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NotFoundMessage("no account registered with that identifier")
	}
	return a, err
}

// findOne loads the account whose column equals value. column is always a
// constant from this file.
func (s *Store) findOne(ctx context.Context, column, value string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+accountColumns+` FROM accounts WHERE `+column+` = ?`), value)

	var a model.Account
	var secondary sql.NullString
	err := row.Scan(
		&a.ID,
		&a.FirstName,
		&a.LastName,
		&a.Email,
		&a.PasswordHash,
		&a.DateOfBirth,
		&secondary,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, oops.In("sqlstore").Code("STORE_QUERY_FAILED").With("operation", "find account by "+column).Wrap(err)
	}
	a.SecondaryIdentifier = fromNullString(secondary)
	return &a, nil
}

// ListExcludingSecrets never selects password_hash, so the hash cannot leak
// through this path even if a caller forgets to strip it.
func (s *Store) ListExcludingSecrets(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+publicAccountColumns+` FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, oops.In("sqlstore").Code("STORE_QUERY_FAILED").With("operation", "list accounts").Wrap(err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		var a model.Account
		var secondary sql.NullString
		if err := rows.Scan(
			&a.ID,
			&a.FirstName,
			&a.LastName,
			&a.Email,
			&a.DateOfBirth,
			&secondary,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, oops.In("sqlstore").Code("STORE_SCAN_FAILED").With("operation", "list accounts").Wrap(err)
		}
		a.SecondaryIdentifier = fromNullString(secondary)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.In("sqlstore").Code("STORE_QUERY_FAILED").With("operation", "list accounts").Wrap(err)
	}
	return accounts, nil
}

// Update writes only the fields set in patch plus updated_at, in a single
// statement. Concurrent updates to one account are last-writer-wins per
// column.
func (s *Store) Update(ctx context.Context, id string, patch model.AccountPatch) (*model.Account, error) {
	if patch.IsEmpty() {
		return s.FindByID(ctx, id)
	}

	var sets []string
	var args []any
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}

	if patch.FirstName != nil {
		add("first_name", *patch.FirstName)
	}
	if patch.LastName != nil {
		add("last_name", *patch.LastName)
	}
	if patch.Email != nil {
		add("email", *patch.Email)
	}
	if patch.DateOfBirth != nil {
		add("date_of_birth", *patch.DateOfBirth)
	}
	if patch.SecondaryIdentifier != nil {
		add("secondary_identifier", nullString(patch.SecondaryIdentifier))
	}
	if patch.PasswordHash != nil {
		add("password_hash", *patch.PasswordHash)
	}
	add("updated_at", s.now())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE accounts SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if field, ok := uniqueViolation(err); ok {
			return nil, apperror.Duplicate("account", field)
		}
		return nil, oops.In("sqlstore").Code("STORE_UPDATE_FAILED").With("operation", "update account").Wrap(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, oops.In("sqlstore").Code("STORE_UPDATE_FAILED").With("operation", "rows affected").Wrap(err)
	}
	if n == 0 {
		return nil, apperror.NotFound("account", id)
	}

	return s.FindByID(ctx, id)
}

func nullString(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
