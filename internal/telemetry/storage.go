package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/fuzztriage/fuzztriage/internal/storage"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

const storageScopeName = "github.com/fuzztriage/fuzztriage/storage"

var _ storage.Storage = (*InstrumentedStorage)(nil)

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in ft.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner       storage.Storage
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	bucketGauge metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	return newInstrumented(s)
}

func newInstrumented(s storage.Storage) *InstrumentedStorage {
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("ft.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("ft.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("ft.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	bucketGauge, _ := m.Int64Gauge("ft.bucket.size",
		metric.WithDescription("Crash entries per bucket and tool (snapshot from ListStatistics)"),
	)
	return &InstrumentedStorage{
		inner:       s,
		tracer:      Tracer(storageScopeName),
		ops:         ops,
		dur:         dur,
		errs:        errs,
		bucketGauge: bucketGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Tools ───────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) EnsureTool(ctx context.Context, name string) (*types.Tool, error) {
	attrs := []attribute.KeyValue{attribute.String("ft.tool", name)}
	ctx, span, t := s.op(ctx, "EnsureTool", attrs...)
	v, err := s.inner.EnsureTool(ctx, name)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetTool(ctx context.Context, id int64) (*types.Tool, error) {
	ctx, span, t := s.op(ctx, "GetTool")
	v, err := s.inner.GetTool(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListTools(ctx context.Context) ([]*types.Tool, error) {
	ctx, span, t := s.op(ctx, "ListTools")
	v, err := s.inner.ListTools(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Buckets ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetBucket(ctx context.Context, id int64) (*types.Bucket, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ft.bucket.id", id)}
	ctx, span, t := s.op(ctx, "GetBucket", attrs...)
	v, err := s.inner.GetBucket(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListBuckets(ctx context.Context, filter types.BucketFilter) ([]*types.Bucket, error) {
	ctx, span, t := s.op(ctx, "ListBuckets")
	v, err := s.inner.ListBuckets(ctx, filter)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SetReassignInProgress(ctx context.Context, bucketID int64, inProgress bool) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("ft.bucket.id", bucketID),
		attribute.Bool("ft.reassign.in_progress", inProgress),
	}
	ctx, span, t := s.op(ctx, "SetReassignInProgress", attrs...)
	err := s.inner.SetReassignInProgress(ctx, bucketID, inProgress)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Crash entries ───────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetCrash(ctx context.Context, id int64, proj types.Projection) (*types.CrashEntry, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ft.crash.id", id)}
	ctx, span, t := s.op(ctx, "GetCrash", attrs...)
	v, err := s.inner.GetCrash(ctx, id, proj)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetCrashes(ctx context.Context, ids []int64, proj types.Projection) ([]*types.CrashEntry, error) {
	attrs := []attribute.KeyValue{attribute.Int("ft.crash.count", len(ids))}
	ctx, span, t := s.op(ctx, "GetCrashes", attrs...)
	v, err := s.inner.GetCrashes(ctx, ids, proj)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListCrashes(ctx context.Context, filter types.CrashFilter, proj types.Projection) ([]*types.CrashEntry, error) {
	ctx, span, t := s.op(ctx, "ListCrashes")
	v, err := s.inner.ListCrashes(ctx, filter, proj)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListCandidateIDs(ctx context.Context, q storage.CandidateQuery) ([]int64, error) {
	attrs := []attribute.KeyValue{
		attribute.Int64("ft.bucket.id", q.BucketID),
		attribute.Int("ft.query.offset", q.Offset),
		attribute.Int("ft.query.limit", q.Limit),
	}
	ctx, span, t := s.op(ctx, "ListCandidateIDs", attrs...)
	v, err := s.inner.ListCandidateIDs(ctx, q)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) FirstCrashInBucket(ctx context.Context, bucketID int64, proj types.Projection) (*types.CrashEntry, error) {
	attrs := []attribute.KeyValue{attribute.Int64("ft.bucket.id", bucketID)}
	ctx, span, t := s.op(ctx, "FirstCrashInBucket", attrs...)
	v, err := s.inner.FirstCrashInBucket(ctx, bucketID, proj)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ScanCrashRefs(ctx context.Context, fn func(*types.CrashRef) error) error {
	ctx, span, t := s.op(ctx, "ScanCrashRefs")
	err := s.inner.ScanCrashRefs(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Counters ────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) ListStatistics(ctx context.Context, bucketID *int64) ([]*types.BucketStatistics, error) {
	ctx, span, t := s.op(ctx, "ListStatistics")
	v, err := s.inner.ListStatistics(ctx, bucketID)
	s.done(ctx, span, t, err)
	for _, st := range v {
		s.bucketGauge.Record(ctx, int64(st.Size), metric.WithAttributes(
			attribute.Int64("ft.bucket.id", st.BucketID),
			attribute.Int64("ft.tool.id", st.ToolID),
		))
	}
	return v, err
}

func (s *InstrumentedStorage) ListHits(ctx context.Context, bucketID *int64, since time.Time) ([]*types.BucketHit, error) {
	ctx, span, t := s.op(ctx, "ListHits")
	v, err := s.inner.ListHits(ctx, bucketID, since)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Bugs ────────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetBug(ctx context.Context, id int64) (*types.Bug, error) {
	ctx, span, t := s.op(ctx, "GetBug")
	v, err := s.inner.GetBug(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListBugs(ctx context.Context) ([]*types.Bug, error) {
	ctx, span, t := s.op(ctx, "ListBugs")
	v, err := s.inner.ListBugs(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Transactions / lifecycle ────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

// UnderlyingStore returns the wrapped storage.
func (s *InstrumentedStorage) UnderlyingStore() storage.Storage {
	return s.inner
}
