package db

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/marcus/tokentally/internal/usage"
)

// Classify maps a driver error onto the usage error classes. Corruption is an
// integrity failure; everything else the store raises is a connection failure.
// Errors that are already classified pass through with op prepended.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if usage.Classified(err) {
		return usage.StoreError(op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return usage.NewError(usage.ErrIntegrity, op, "", err)
		}
		return usage.NewError(usage.ErrStoreConnection, op, "", err)
	}

	if strings.Contains(err.Error(), "database disk image is malformed") {
		return usage.NewError(usage.ErrIntegrity, op, "", err)
	}
	return usage.NewError(usage.ErrStoreConnection, op, "", err)
}
