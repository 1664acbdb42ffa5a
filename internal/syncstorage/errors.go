package syncstorage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the storage core's error taxonomy . Backends
// wrap these once at their boundary with operation context; no inner driver
// error type ever leaks above that boundary.
var (
	// ErrCollectionNotFound is returned by GetCollectionID/GetCollectionModified
	// when the name or id is unknown.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrBsoNotFound is returned by strict single-get variants when a BSO is
	// absent or expired. GetBso itself returns (nil, nil) instead.
	ErrBsoNotFound = errors.New("bso not found")

	// ErrBatchNotFound is returned by Append/Commit against a nonexistent
	// or expired batch and by Delete against a nonexistent one. Validate
	// reports such a batch as false instead.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrConflict is reserved for 412-style precondition mismatches raised
	// by the layer above the storage core.
	ErrConflict = errors.New("conflict")

	// ErrIntegrity indicates a uniqueness violation on collection creation.
	// It is retried transparently as a get by CreateCollection and should
	// never be observed by callers.
	ErrIntegrity = errors.New("integrity violation")

	// ErrTooLarge indicates a single payload exceeds the allowed size.
	ErrTooLarge = errors.New("payload too large")

	// ErrInternal covers malformed batch ids, backend errors, and parse
	// failures that don't fit a more specific kind.
	ErrInternal = errors.New("internal storage error")
)

// QuotaError is the Quota{collection} kind: raised when a projected write
// would meet or exceed the configured byte ceiling for (user, collection).
type QuotaError struct {
	Collection string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for collection %q", e.Collection)
}

// IsQuota reports whether err is (or wraps) a *QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// WrapOp wraps a non-nil backend error with operation context, translating
// nothing else. Concrete backends use this (or an equivalent driver-specific
// helper) at every call boundary so inner driver types never escape.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
