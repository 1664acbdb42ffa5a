package syncstorage

// UserID identifies the tenant every operation is scoped to. The relational
// backend collapses this to a single integer internally; the distributed
// backend maps the pair to a generated string id and keys its tables by
// that id, not by the (primary, secondary) pair itself.
type UserID struct {
	Primary   string
	Secondary string
}

// Collection is the (id, name) pair.
type Collection struct {
	ID   int32
	Name string
}

// Sort selects the ordering used by GetBsos.
type Sort int

const (
	// SortNone leaves ordering unspecified; implementations may return rows
	// in any stable order.
	SortNone Sort = iota
	// SortNewest orders by modified DESC.
	SortNewest
	// SortOldest orders by modified ASC.
	SortOldest
	// SortIndex orders by sortindex DESC NULLS LAST, modified DESC.
	SortIndex
)

// Bso is a single stored record as returned to callers. Payload is always
// populated (possibly empty); Expiry is milliseconds.
type Bso struct {
	ID        string
	Modified  int64
	Payload   string
	SortIndex *int32
	Expiry    int64
}

// PutBso is the input to Record Store's upsert operation. TTL is seconds;
// Modified is the caller-supplied timestamp used as the basis for Expiry
// computation; it is stored as given and never bumped by the backend.
type PutBso struct {
	UserID       UserID
	CollectionID int32
	ID           string
	Payload      *string
	SortIndex    *int32
	TTL          *int32
	Modified     int64
}

// GetBsoParams identifies a single BSO.
type GetBsoParams struct {
	UserID       UserID
	CollectionID int32
	ID           string
}

// GetBsosParams is the input to the ordered-listing query.
//
// Limit < 0 means "no limit" (return everything, More=false, Offset=0).
// Limit == 0 is a probe: returns zero rows but More=true if anything would
// have matched.
// Limit > 0 returns up to Limit rows, paging by row position under Sort.
type GetBsosParams struct {
	UserID       UserID
	CollectionID int32
	IDs          []string
	TTLFloor     int64
	NewerThan    int64
	Sort         Sort
	Limit        int32
	Offset       int32
}

// GetBsosResult is the paged listing result.
type GetBsosResult struct {
	Bsos   []Bso
	More   bool
	Offset int32
}

// BatchBso is one record appended to (or committed from) a batch. Fields
// left nil are "omitted" in the partial-update.
type BatchBso struct {
	ID        string
	Payload   *string
	SortIndex *int32
	TTL       *int32
}

// CreateBatchParams creates a batch and appends its initial records in one
// call .
type CreateBatchParams struct {
	UserID       UserID
	CollectionID int32
	Bsos         []BatchBso
}

// CreateBatchResult returns the fresh batch id and the running size seen at
// creation time (nil when quotas are disabled).
type CreateBatchResult struct {
	ID   string
	Size *int64
}

// AppendToBatchParams appends more records to an existing, unexpired batch.
type AppendToBatchParams struct {
	UserID       UserID
	CollectionID int32
	BatchID      string
	Bsos         []BatchBso
}

// CommitBatchParams merges a batch's staged records into live storage.
type CommitBatchParams struct {
	UserID       UserID
	CollectionID int32
	BatchID      string
}

// PostBsosResult is returned by Commit: Success/Failed track per-id outcomes
// for the batch merge (both empty on an all-or-nothing commit, since the
// storage core's commit is transactional and never partially fails).
type PostBsosResult struct {
	Modified int64
	Success  []string
	Failed   map[string]string
}

// DeleteBatchParams deletes a batch (and, via interleaving/cascade, all of
// its staged records) without committing them.
type DeleteBatchParams struct {
	UserID       UserID
	CollectionID int32
	BatchID      string
}
