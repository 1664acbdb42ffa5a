package spanner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// databaseEnvVar names the environment variable tests read a live Spanner
// database path from (projects/<p>/instances/<i>/databases/<d>), typically
// pointed at the Spanner emulator. Tests skip entirely when it's unset,
// mirroring internal/storage/mysql's dsnEnvVar gate.
const databaseEnvVar = "SYNCSTORAGE_SPANNER_TEST_DATABASE"

// setupStore opens a Store against a real (usually emulated) database.
// Unlike mysql's test-transaction isolation, Spanner has no equivalent of
// pinning every call to one uncommitted transaction, so each test uses a
// unique user (testUser, derived from t.Name()) to stay isolated from
// other tests sharing the same database.
func setupStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db := os.Getenv(databaseEnvVar)
	if db == "" {
		t.Skipf("%s not set, skipping spanner integration test", databaseEnvVar)
	}
	cfg.Database = db

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func testUser(t *testing.T) syncstorage.UserID {
	t.Helper()
	return syncstorage.UserID{Primary: "test-" + t.Name(), Secondary: "default"}
}
