// Package mysql implements the relational realization of the storage core's
// Backend Adapter contract over a standard MySQL-protocol server,
// using database/sql and github.com/go-sql-driver/mysql.
//
// Grounded on steveyegge-beads/internal/storage/dolt's database/sql pooling,
// retry, and OTel instrumentation idiom, and .../sqlite's query/error-wrap
// idiom; adapted here to BSO/collection/batch semantics rather than issues.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/baajur/syncstorage-go/internal/collcache"
	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

// tracer is the OTel tracer for SQL-level spans. It uses the global
// provider, which is a no-op until the host process installs a real one.
var tracer = otel.Tracer("github.com/baajur/syncstorage-go/storage/mysql")

// storeMetrics holds OTel metric instruments shared by every *Store.
var storeMetrics struct {
	retryCount metric.Int64Counter
	opDuration metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/baajur/syncstorage-go/storage/mysql")
	storeMetrics.retryCount, _ = m.Int64Counter("syncstorage.db.retry_count",
		metric.WithDescription("SQL operations retried due to transient errors"),
		metric.WithUnit("{retry}"),
	)
	storeMetrics.opDuration, _ = m.Float64Histogram("syncstorage.db.op_duration_ms",
		metric.WithDescription("Storage core operation duration"),
		metric.WithUnit("ms"),
	)
}

// Config configures a Store.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	QuotaEnabled bool
	QuotaBytes   int64
	BatchLife    time.Duration

	Logger *slog.Logger

	// testTx is not read by newStore: OpenForTesting pins its
	// never-committed transaction by passing it to newStore directly, and
	// a value set here has no effect.
	testTx *sql.Tx
}

// Store implements syncstorage.Backend against a MySQL-protocol server.
type Store struct {
	db     *sql.DB
	testTx *sql.Tx
	log    *slog.Logger

	collCache *collcache.Cache[string, int32]
	userCache *collcache.Cache[string, int64]

	quotaEnabled bool
	quotaBytes   int64
	batchLife    time.Duration
}

var _ syncstorage.Backend = (*Store)(nil)

// Open creates a Store, opening a connection pool and running embedded
// migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	connLife := cfg.ConnMaxLifetime
	if connLife <= 0 {
		connLife = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newStore(db, nil, cfg), nil
}

// OpenForTesting opens a pool of exactly one connection, begins a
// transaction on it immediately, and routes every Store operation through
// that single transaction. Close rolls the transaction back instead of
// committing, so tests never leave rows behind ("test
// transaction customizer", grounded on original_source/src/db/mysql/test.rs).
func OpenForTesting(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("begin test transaction: %w", err)
	}

	s := newStore(db, tx, cfg)
	s.testTx = tx
	return s, nil
}

func newStore(db *sql.DB, testTx *sql.Tx, cfg Config) *Store {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	batchLife := cfg.BatchLife
	if batchLife <= 0 {
		batchLife = syncstorage.BatchLifetime
	}
	return &Store{
		db:           db,
		testTx:       testTx,
		log:          log,
		collCache:    &collcache.Cache[string, int32]{},
		userCache:    &collcache.Cache[string, int64]{},
		quotaEnabled: cfg.QuotaEnabled,
		quotaBytes:   cfg.QuotaBytes,
		batchLife:    batchLife,
	}
}

// Close releases the underlying pool. In test-transaction mode it rolls the
// transaction back instead of committing, discarding everything written
// during the test.
func (s *Store) Close() error {
	if s.testTx != nil {
		if err := s.testTx.Rollback(); err != nil && err != sql.ErrTxDone {
			_ = s.db.Close()
			return fmt.Errorf("rollback test transaction: %w", err)
		}
	}
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx, letting every query
// method work the same whether or not we're pinned to a test transaction.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// q returns the querier to use for a non-transactional (single-statement)
// operation: the pinned test transaction if present, otherwise the pool.
func (s *Store) q() querier {
	if s.testTx != nil {
		return s.testTx
	}
	return s.db
}

// withTx runs fn inside a transaction, honoring test-transaction pinning: in
// test mode fn runs directly against the pinned tx (the outermost
// OpenForTesting transaction is never committed, but writes inside fn are
// still visible to later reads in the same test).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.testTx != nil {
		return fn(s.testTx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// startSpan starts a per-operation span and returns it alongside an end
// function that records errors and the operation's duration.
func startSpan(ctx context.Context, op string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("db.system", "mysql"),
	))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		storeMetrics.opDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", op)))
	}
}
