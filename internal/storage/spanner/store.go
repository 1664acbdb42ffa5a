// Package spanner implements the globally-distributed realization of the
// storage core's Backend Adapter contract over Google Cloud
// Spanner, using the native cloud.google.com/go/spanner client rather than
// the database/sql driver so that bulk writes can use spanner.Mutation
// batches and transactions can read the server-assigned commit timestamp
// directly.
//
// Modeled on the SpannerAdapter pattern used by storj's metabase package: a
// native spanner.Client wrapped in the same Open/Close/Ping/MigrateToLatest
// shape as its Postgres sibling, adapted here to BSO/collection/batch
// semantics and to this module's slog/OTel ambient idiom instead of storj's
// zap/monkit/zeebo-errs stack.
package spanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/spanner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"

	"github.com/baajur/syncstorage-go/internal/collcache"
	"github.com/baajur/syncstorage-go/internal/syncstorage"
)

var tracer = otel.Tracer("github.com/baajur/syncstorage-go/storage/spanner")

var storeMetrics struct {
	abortRetryCount metric.Int64Counter
	opDuration      metric.Float64Histogram
}

func init() {
	m := otel.Meter("github.com/baajur/syncstorage-go/storage/spanner")
	storeMetrics.abortRetryCount, _ = m.Int64Counter("syncstorage.spanner.abort_retry_count",
		metric.WithDescription("ReadWriteTransaction retries due to ABORTED/UNAVAILABLE"),
		metric.WithUnit("{retry}"),
	)
	storeMetrics.opDuration, _ = m.Float64Histogram("syncstorage.spanner.op_duration_ms",
		metric.WithDescription("Storage core operation duration"),
		metric.WithUnit("ms"),
	)
}

// Config configures a Store.
type Config struct {
	// Database is the fully-qualified database path:
	// projects/<p>/instances/<i>/databases/<d>.
	Database string

	QuotaEnabled bool
	QuotaBytes   int64
	BatchLife    time.Duration

	Logger *slog.Logger
}

// Store implements syncstorage.Backend against Cloud Spanner.
type Store struct {
	client *spanner.Client
	log    *slog.Logger

	collCache *collcache.Cache[string, int32]
	userCache *collcache.Cache[string, string] // UserID pair -> its own join key; see users.go

	quotaEnabled bool
	quotaBytes   int64
	batchLife    time.Duration
}

var _ syncstorage.Backend = (*Store)(nil)

// Open connects to database, applies the interleaved schema if it hasn't
// been applied yet, and writes the reserved collection rows into the
// collections table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := spanner.NewClient(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open spanner client: %w", err)
	}

	if err := EnsureSchema(ctx, cfg.Database); err != nil {
		client.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	seed := make([]*spanner.Mutation, 0, len(syncstorage.ReservedCollectionIDs))
	for name, id := range syncstorage.ReservedCollectionIDs {
		seed = append(seed, spanner.InsertOrUpdate("collections", []string{"id", "name"}, []any{int64(id), name}))
	}
	if _, err := client.Apply(ctx, seed); err != nil {
		client.Close()
		return nil, fmt.Errorf("seed reserved collections: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	batchLife := cfg.BatchLife
	if batchLife <= 0 {
		batchLife = syncstorage.BatchLifetime
	}

	return &Store{
		client:       client,
		log:          log,
		collCache:    &collcache.Cache[string, int32]{},
		userCache:    &collcache.Cache[string, string]{},
		quotaEnabled: cfg.QuotaEnabled,
		quotaBytes:   cfg.QuotaBytes,
		batchLife:    batchLife,
	}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// startSpan starts a per-operation span and returns its end function,
// mirroring internal/storage/mysql's startSpan so both backends are
// indistinguishable from the caller's side in traces.
func startSpan(ctx context.Context, op string) (context.Context, func(err error)) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("db.system", "spanner"),
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

// readRow runs a single-use read-only query expected to return exactly one
// row, mapping iterator.Done (no row) to errNotFound; any other error is
// returned as is.
func readRow(ctx context.Context, client *spanner.Client, stmt spanner.Statement, scan func(*spanner.Row) error) error {
	iter := client.Single().Query(ctx, stmt)
	defer iter.Stop()
	row, err := iter.Next()
	if err == iterator.Done {
		return errNotFound
	}
	if err != nil {
		return err
	}
	return scan(row)
}

var errNotFound = fmt.Errorf("spanner: row not found")
