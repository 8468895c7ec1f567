package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint. Get-or-create callers catch it and re-read; name
	// generators catch it and retry with a fresh value.
	ErrDuplicate = errors.New("duplicate record")
	// ErrLimitReached is returned by quota-bounded inserts when the tenant
	// already holds the maximum number of rows.
	ErrLimitReached = errors.New("row limit reached")
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
