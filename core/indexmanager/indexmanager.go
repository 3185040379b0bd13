package indexmanager

import (
	"context"
	"time"

	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/types"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"github.com/sushant-115/gojokernel/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// IndexManager records a span and metrics around every operation of an
// index opened by one transaction.
type IndexManager struct {
	idx     indexing.Index
	name    string
	kind    indexing.IndexType
	tracer  trace.Tracer
	metrics *internaltelemetry.KernelMetrics
}

func New(idx indexing.Index, name string, kind indexing.IndexType, tel *telemetry.Telemetry, metrics *internaltelemetry.KernelMetrics) *IndexManager {
	if tel == nil {
		tel = telemetry.Noop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopKernelMetrics()
	}
	return &IndexManager{idx: idx, name: name, kind: kind, tracer: tel.Tracer, metrics: metrics}
}

func (m *IndexManager) Name() string { return m.name }

func (m *IndexManager) Insert(ctx context.Context, key types.Constant, rid pagemanager.RecordID) error {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "Insert")
	var statusCode otelcodes.Code = otelcodes.Ok
	defer func() {
		m.EndMetricsAndTrace(metricCtx, span, startTime, "Insert", statusCode)
	}()

	if err := m.idx.Insert(key, rid); err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		return err
	}
	return nil
}

func (m *IndexManager) Delete(ctx context.Context, key types.Constant, rid pagemanager.RecordID) error {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "Delete")
	var statusCode otelcodes.Code = otelcodes.Ok
	defer func() {
		m.EndMetricsAndTrace(metricCtx, span, startTime, "Delete", statusCode)
	}()

	if err := m.idx.Delete(key, rid); err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		return err
	}
	return nil
}

// Search returns the record ids of the entries in rng. A positive limit
// stops the scan after that many entries.
func (m *IndexManager) Search(ctx context.Context, rng types.Range, limit int) ([]pagemanager.RecordID, error) {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "Search")
	var statusCode otelcodes.Code = otelcodes.Ok
	defer func() {
		m.EndMetricsAndTrace(metricCtx, span, startTime, "Search", statusCode)
	}()

	rids, err := m.search(rng, limit)
	if err != nil {
		statusCode = otelcodes.Error
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("index.matches", len(rids)))
	return rids, nil
}

func (m *IndexManager) search(rng types.Range, limit int) ([]pagemanager.RecordID, error) {
	if err := m.idx.BeforeFirst(rng); err != nil {
		return nil, err
	}
	defer m.idx.Close()

	var rids []pagemanager.RecordID
	for limit <= 0 || len(rids) < limit {
		ok, err := m.idx.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rid, err := m.idx.DataRecordID()
		if err != nil {
			return nil, err
		}
		rids = append(rids, rid)
	}
	return rids, nil
}

func (m *IndexManager) Close() { m.idx.Close() }

// StartMetricsAndTrace begins the telemetry recording for an index operation.
// It returns a new context, the trace span, and the start time.
func (m *IndexManager) StartMetricsAndTrace(ctx context.Context, op string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()

	m.metrics.ActiveIndexOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	))

	ctx, span := m.tracer.Start(ctx, "index."+op, trace.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.type", m.kind.String()),
		attribute.String("index.op", op),
	))

	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index operation.
func (m *IndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, op string, statusCode otelcodes.Code) {
	latency := time.Since(startTime).Milliseconds()

	if statusCode != otelcodes.Ok {
		span.SetStatus(otelcodes.Error, statusCode.String())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.metrics.ActiveIndexOps.Add(ctx, -1, metric.WithAttributes(
		attribute.String("index.name", m.name),
		attribute.String("index.op", op),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("index.name", m.name),
		attribute.String("index.type", m.kind.String()),
		attribute.String("index.op", op),
		attribute.String("index.code", statusCode.String()),
	)

	m.metrics.IndexLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.IndexOpsCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
