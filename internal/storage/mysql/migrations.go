package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one forward-only, named schema step. Grounded on
// steveyegge-beads/internal/storage/dolt/migrations.go's numbered-function
// runner; adapted to the BSO schema.
type Migration struct {
	Name string
	Func func(ctx context.Context, tx *sql.Tx) error
}

// migrations is the ordered list of every schema change this package knows
// about. Never reorder or remove an entry; append new ones at the end.
var migrations = []Migration{
	{Name: "0001_create_schema_migrations", Func: migrateCreateSchemaMigrations},
	{Name: "0002_create_users", Func: migrateCreateUsers},
	{Name: "0003_create_collections", Func: migrateCreateCollections},
	{Name: "0004_create_user_collections", Func: migrateCreateUserCollections},
	{Name: "0005_create_bso", Func: migrateCreateBso},
	{Name: "0006_create_batches", Func: migrateCreateBatches},
	{Name: "0007_create_batch_bsos", Func: migrateCreateBatchBsos},
	{Name: "0008_add_quota_columns", Func: migrateAddQuotaColumns},
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, in order, each inside its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := migrateCreateSchemaMigrations(ctx, tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("bootstrap schema_migrations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}

	for _, m := range migrations {
		applied, err := isMigrationApplied(ctx, db, m.Name)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", m.Name, err)
		}
		if applied {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.Name, err)
		}
		if err := m.Func(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (name) VALUES (?)`, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}

func isMigrationApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func migrateCreateSchemaMigrations(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name VARCHAR(255) NOT NULL PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB`)
	return err
}

// migrateCreateUsers adds the lookup table the relational backend uses to
// collapse a (primary, secondary) UserID pair to a single integer (// "The relational backend may collapse this to a single integer").
func migrateCreateUsers(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id BIGINT NOT NULL AUTO_INCREMENT,
			uid_primary VARCHAR(255) NOT NULL,
			uid_secondary VARCHAR(255) NOT NULL,
			PRIMARY KEY (id),
			UNIQUE KEY uq_users_identity (uid_primary, uid_secondary)
		) ENGINE=InnoDB`)
	return err
}

// migrateCreateCollections seeds the reserved collection ids  and
// leaves auto-increment starting at FirstUserCollectionID for the rest.
func migrateCreateCollections(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collections (
			id INT NOT NULL AUTO_INCREMENT,
			name VARCHAR(32) NOT NULL,
			PRIMARY KEY (id),
			UNIQUE KEY uq_collections_name (name)
		) ENGINE=InnoDB`); err != nil {
		return err
	}

	for name, id := range reservedCollectionNames() {
		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO collections (id, name) VALUES (?, ?)`, id, name); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf(`ALTER TABLE collections AUTO_INCREMENT = %d`, firstUserCollectionID))
	return err
}

func migrateCreateUserCollections(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_collections (
			userid BIGINT NOT NULL,
			collection INT NOT NULL,
			last_modified BIGINT NOT NULL,
			PRIMARY KEY (userid, collection)
		) ENGINE=InnoDB`)
	return err
}

func migrateCreateBso(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bso (
			userid BIGINT NOT NULL,
			collection INT NOT NULL,
			id VARCHAR(64) NOT NULL,
			sortindex INT NULL,
			payload LONGTEXT NOT NULL,
			payload_size INT NOT NULL,
			modified BIGINT NOT NULL,
			expiry BIGINT NOT NULL,
			PRIMARY KEY (userid, collection, id),
			KEY ix_bso_expiry (expiry),
			KEY ix_bso_modified (userid, collection, modified),
			KEY ix_bso_sortindex (userid, collection, sortindex)
		) ENGINE=InnoDB`)
	return err
}

func migrateCreateBatches(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS batches (
			userid BIGINT NOT NULL,
			collection INT NOT NULL,
			id VARCHAR(64) NOT NULL,
			expiry BIGINT NOT NULL,
			PRIMARY KEY (userid, collection, id)
		) ENGINE=InnoDB`)
	return err
}

// migrateAddQuotaColumns adds the Quota Accountant's persisted counters:
// batches.size tracks the running byte total seeded at create and
// accumulated on every append (checked against the configured ceiling
// before any staging write); user_collections.count/total_bytes hold the
// snapshot update_user_collection_quotas recomputes after a commit.
func migrateAddQuotaColumns(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `
		ALTER TABLE batches ADD COLUMN IF NOT EXISTS size BIGINT NOT NULL DEFAULT 0`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		ALTER TABLE user_collections ADD COLUMN IF NOT EXISTS count INT NULL`); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE user_collections ADD COLUMN IF NOT EXISTS total_bytes BIGINT NULL`)
	return err
}

func migrateCreateBatchBsos(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS batch_bsos (
			userid BIGINT NOT NULL,
			collection INT NOT NULL,
			batch_id VARCHAR(64) NOT NULL,
			id VARCHAR(64) NOT NULL,
			sortindex INT NULL,
			payload LONGTEXT NULL,
			payload_size INT NOT NULL DEFAULT 0,
			ttl INT NULL,
			PRIMARY KEY (userid, collection, batch_id, id)
		) ENGINE=InnoDB`)
	return err
}
