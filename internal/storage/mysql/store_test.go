package mysql

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// dsnEnvVar names the environment variable tests read a live MySQL DSN from.
// Tests that need a real server skip entirely when it's unset, mirroring the
// teacher's skipIfNoDolt pattern for its embedded-server-backed tests.
const dsnEnvVar = "SYNCSTORAGE_MYSQL_TEST_DSN"

// setupStore opens a Store in test-transaction mode: every write in the test
// happens inside one transaction that's rolled back at t.Cleanup, so tests
// never leave rows behind and can run concurrently against the same schema.
func setupStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	dsn := os.Getenv(dsnEnvVar)
	if dsn == "" {
		t.Skipf("%s not set, skipping mysql integration test", dsnEnvVar)
	}
	cfg.DSN = dsn

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := OpenForTesting(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenForTesting: %v", err)
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
