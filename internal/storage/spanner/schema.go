package spanner

import (
	"context"
	"fmt"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	databasepb "cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
)

// ddlStatements define the interleaved schema: user_collections is the
// parent of both batches and bsos, and batches is the parent of
// batch_bsos with ON DELETE CASCADE so deleting a batch row automatically
// discards its staged records (the delete-batch operation, grounded
// on the storj SpannerAdapter's firstStepDDL-from-a-single-string pattern,
// applied here as separate named statements instead of a split string).
var ddlStatements = []string{
	`CREATE TABLE users (
		id STRING(36) NOT NULL,
		uid_primary STRING(255) NOT NULL,
		uid_secondary STRING(255) NOT NULL,
	) PRIMARY KEY (id)`,
	`CREATE UNIQUE INDEX users_by_identity ON users (uid_primary, uid_secondary)`,
	`CREATE TABLE collections (
		id INT64 NOT NULL,
		name STRING(32) NOT NULL,
	) PRIMARY KEY (id)`,
	`CREATE UNIQUE INDEX collections_by_name ON collections (name)`,
	`CREATE TABLE user_collections (
		userid STRING(36) NOT NULL,
		collection INT64 NOT NULL,
		last_modified INT64 NOT NULL,
		count INT64,
		total_bytes INT64,
	) PRIMARY KEY (userid, collection)`,
	`CREATE TABLE bsos (
		userid STRING(36) NOT NULL,
		collection INT64 NOT NULL,
		id STRING(64) NOT NULL,
		sortindex INT64,
		payload STRING(MAX) NOT NULL,
		payload_size INT64 NOT NULL,
		modified INT64 NOT NULL,
		expiry INT64 NOT NULL,
	) PRIMARY KEY (userid, collection, id),
	INTERLEAVE IN PARENT user_collections ON DELETE CASCADE`,
	`CREATE INDEX bsos_by_expiry ON bsos (expiry)`,
	`CREATE TABLE batches (
		userid STRING(36) NOT NULL,
		collection INT64 NOT NULL,
		id STRING(64) NOT NULL,
		commit_expiry TIMESTAMP NOT NULL,
		size INT64 NOT NULL,
	) PRIMARY KEY (userid, collection, id),
	INTERLEAVE IN PARENT user_collections ON DELETE CASCADE`,
	`CREATE TABLE batch_bsos (
		userid STRING(36) NOT NULL,
		collection INT64 NOT NULL,
		batch_id STRING(64) NOT NULL,
		id STRING(64) NOT NULL,
		sortindex INT64,
		payload STRING(MAX),
		payload_size INT64 NOT NULL,
		ttl INT64,
	) PRIMARY KEY (userid, collection, batch_id, id),
	INTERLEAVE IN PARENT batches ON DELETE CASCADE`,
}

// EnsureSchema applies ddlStatements if the database's tables don't already
// exist. Spanner DDL is idempotent-unfriendly (no IF NOT EXISTS on most
// statements in older dialects), so this checks for the marker table first
// rather than relying on the server to no-op a repeat CREATE TABLE.
func EnsureSchema(ctx context.Context, databaseName string) error {
	admin, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return fmt.Errorf("new database admin client: %w", err)
	}
	defer admin.Close()

	exists, err := tableExists(ctx, admin, databaseName, "users")
	if err != nil {
		return fmt.Errorf("checking schema: %w", err)
	}
	if exists {
		return nil
	}

	op, err := admin.UpdateDatabaseDdl(ctx, &databasepb.UpdateDatabaseDdlRequest{
		Database:   databaseName,
		Statements: ddlStatements,
	})
	if err != nil {
		return fmt.Errorf("submit ddl: %w", err)
	}
	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("apply ddl: %w", err)
	}
	return nil
}

func tableExists(ctx context.Context, admin *database.DatabaseAdminClient, databaseName, table string) (bool, error) {
	ddl, err := admin.GetDatabaseDdl(ctx, &databasepb.GetDatabaseDdlRequest{Database: databaseName})
	if err != nil {
		return false, err
	}
	for _, stmt := range ddl.Statements {
		if containsCreateTable(stmt, table) {
			return true, nil
		}
	}
	return false, nil
}

func containsCreateTable(stmt, table string) bool {
	want := "CREATE TABLE " + table + " "
	if len(stmt) < len(want) {
		return false
	}
	return stmt[:len(want)] == want
}
