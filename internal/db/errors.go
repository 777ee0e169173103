package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/pedroluizchagas/celebra-capital-sub002/internal/errors"
)

// classify maps a driver error onto the store's error taxonomy. Errors that
// already carry a code pass through unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if stderrors.Is(err, sql.ErrConnDone) {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
	}

	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		// Extended result codes carry the primary code in the low byte.
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperrors.Wrap(apperrors.ErrTransaction, op, err)
		case sqlite3.SQLITE_FULL:
			return apperrors.Wrap(apperrors.ErrQuotaExceeded, op, err)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_READONLY, sqlite3.SQLITE_IOERR:
			return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
		}
	}
	return apperrors.Wrap(apperrors.ErrInternal, op, err)
}
