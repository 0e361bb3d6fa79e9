package sqlstore

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// rebind rewrites "?" placeholders to "$1, $2, …" for PostgreSQL. Queries in
// this package never contain a literal "?".
func (s *Store) rebind(query string) string {
	if s.backend != BackendPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// uniqueViolation reports whether err is a unique-index violation and, if so,
// which account field caused it ("email" or "secondaryIdentifier").
func uniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code != pgerrcode.UniqueViolation {
			return "", false
		}
		return fieldFromConstraint(pgErr.ConstraintName + " " + pgErr.Detail), true
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return "", false
		}
		return fieldFromConstraint(liteErr.Error()), true
	}

	return "", false
}

// fieldFromConstraint maps an index name or driver message to the API field.
func fieldFromConstraint(text string) string {
	if strings.Contains(text, "secondary_identifier") {
		return "secondaryIdentifier"
	}
	return "email"
}
