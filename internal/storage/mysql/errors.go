package mysql

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// MySQL error numbers this package treats specially: switches on
// driver-specific error codes rather than string-matching messages.
const (
	erDupEntry        = 1062
	erLockDeadlock    = 1213
	erLockWaitTimeout = 1205
	erTooManyConns    = 1040
)

const firstUserCollectionID = syncstorage.FirstUserCollectionID

func reservedCollectionNames() map[string]int32 {
	return syncstorage.ReservedCollectionIDs
}

// isRetryable reports whether err is a transient condition worth retrying
// under backoff (deadlocks, lock wait timeouts, transient connection
// exhaustion), as opposed to a permanent application error.
func isRetryable(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erLockDeadlock, erLockWaitTimeout, erTooManyConns:
			return true
		}
	}
	return errors.Is(err, mysql.ErrInvalidConn)
}

// isDuplicateKey reports whether err is a unique-constraint violation.
func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == erDupEntry
	}
	return false
}

// wrapNoRows translates sql.ErrNoRows into the given sentinel, leaving every
// other error (including nil) untouched.
func wrapNoRows(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
