package syncstorage

import "context"

// Backend is the abstract contract both concrete storage engines
// (internal/storage/mysql, internal/storage/spanner) implement identically.
// Every method runs in exactly one transaction ("Transaction
// discipline"); callers never see the sync/async split between backends.
type Backend interface {
	// Collection Registry
	GetCollectionID(ctx context.Context, user UserID, name string) (int32, error)
	CreateCollection(ctx context.Context, user UserID, name string) (int32, error)

	// Record Store
	PutBso(ctx context.Context, p PutBso) error
	GetBso(ctx context.Context, p GetBsoParams) (*Bso, error)
	GetBsos(ctx context.Context, p GetBsosParams) (GetBsosResult, error)
	// DeleteBsos removes ids (or every record, if ids is empty) from the
	// collection and returns its post-delete modification timestamp.
	DeleteBsos(ctx context.Context, user UserID, cid int32, ids []string) (int64, error)
	// DeleteCollection removes every record in the collection and the
	// collection itself, returning the user's storage modified timestamp
	// after deletion.
	DeleteCollection(ctx context.Context, user UserID, cid int32) (int64, error)
	GetCollectionModified(ctx context.Context, user UserID, cid int32) (int64, error)
	GetStorageModified(ctx context.Context, user UserID) (int64, error)
	GetCollectionsModified(ctx context.Context, user UserID) (map[string]int64, error)
	TouchCollection(ctx context.Context, user UserID, cid int32, modified int64) error

	// Batch Engine
	CreateBatch(ctx context.Context, p CreateBatchParams) (CreateBatchResult, error)
	AppendToBatch(ctx context.Context, p AppendToBatchParams) error
	ValidateBatch(ctx context.Context, user UserID, cid int32, batchID string) (bool, error)
	CommitBatch(ctx context.Context, p CommitBatchParams) (PostBsosResult, error)
	DeleteBatch(ctx context.Context, p DeleteBatchParams) error

	// Quota Accountant
	CheckQuota(ctx context.Context, user UserID, cid int32) (*int64, error)

	// Lifecycle
	Close() error
}
