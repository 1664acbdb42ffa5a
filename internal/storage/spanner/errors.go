package spanner

import (
	"cloud.google.com/go/spanner"
	"google.golang.org/grpc/codes"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

func codeOf(err error) codes.Code {
	return spanner.ErrCode(err)
}

const spannerCodeNotFound = codes.NotFound

// pretouchTimestamp mirrors syncstorage.PretouchTimestamp under a
// package-local name to match the mysql backend's naming at the call site.
const pretouchTimestamp = syncstorage.PretouchTimestamp

// isRetryable reports whether err is the kind of transient Spanner error
// (ABORTED from a conflicting transaction, transient UNAVAILABLE) that's
// worth retrying, mirroring internal/storage/mysql's isRetryable.
func isRetryable(err error) bool {
	switch codeOf(err) {
	case codes.Aborted, codes.Unavailable:
		return true
	}
	return false
}
