// Package syncstorage defines the backend-agnostic contract for the BSO
// storage core: shared types, sentinel errors, and the constants that every
// concrete backend (mysql, spanner) must honor identically.
package syncstorage

import "time"

// DefaultBSOTTL is applied when a PutBso omits ttl. ~1 year, matching the
// upstream sync server's effectively-permanent default.
const DefaultBSOTTL = 365 * 24 * 60 * 60 // seconds

// BatchLifetime is how long a batch stays valid after creation.
const BatchLifetime = 2 * time.Hour

// PretouchTimestamp is the sentinel modified value written into
// user_collections when a batch is created for a collection that has no
// prior row. It must compare less than any real timestamp a client could
// plausibly see, and is filtered out of every query that reports collection
// or storage modification times.
//
// Encoded as milliseconds since the Unix epoch so both backends can store
// and compare it as an ordinary int64 column.
const PretouchTimestamp int64 = 0

// ReservedCollectionIDs maps the 13 well-known collection names to their
// fixed ids. User-created collections start at 100.
var ReservedCollectionIDs = map[string]int32{
	"clients":     1,
	"crypto":      2,
	"forms":       3,
	"history":     4,
	"keys":        5,
	"meta":        6,
	"bookmarks":   7,
	"prefs":       8,
	"tabs":        9,
	"passwords":   10,
	"addons":      11,
	"addresses":   12,
	"creditcards": 13,
}

// FirstUserCollectionID is the lowest id ever assigned to a user-created
// collection.
const FirstUserCollectionID int32 = 100

// TombstoneCollectionID is the sentinel collection id DeleteCollection
// stamps a deletion timestamp under when the user has no collections left
// afterward, so a later GetStorageModified still reflects the deletion
// instead of reporting zero. It never collides with a real collection: the
// reserved ids run 1-13 and user-created ids start at FirstUserCollectionID.
// It has no row in the collections table, so it never surfaces from
// GetCollectionsModified's name join.
const TombstoneCollectionID int32 = 0
