package faxstore

import (
	"context"
	"database/sql/driver"
	"errors"

	"faxbridge/internal/fax"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify wraps driver failures in a fax.StoreError. Domain errors
// (not found, state conflicts) pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var nf *fax.NotFoundError
	if errors.As(err, &nf) || errors.Is(err, ErrStateConflict) {
		return err
	}
	return &fax.StoreError{Op: op, Retryable: retryable(err), Err: err}
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsTransactionRollback(pgErr.Code),
			pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code):
			return true
		}
		switch pgErr.Code {
		case pgerrcode.LockNotAvailable, pgerrcode.QueryCanceled, pgerrcode.AdminShutdown, pgerrcode.CannotConnectNow:
			return true
		}
		return false
	}
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) ||
		pgconn.SafeToRetry(err) ||
		pgconn.Timeout(err)
}
