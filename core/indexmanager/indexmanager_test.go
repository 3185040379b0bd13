package indexmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/sushant-115/gojokernel/core/indexing"
	"github.com/sushant-115/gojokernel/core/types"
	pagemanager "github.com/sushant-115/gojokernel/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojokernel/internal/telemetry"
	"github.com/sushant-115/gojokernel/pkg/telemetry"
	"github.com/stretchr/testify/require"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// memIndex keeps entries in insertion order and matches them by range.
type memIndex struct {
	keys   []types.Constant
	rids   []pagemanager.RecordID
	rng    types.Range
	pos    int
	failOn types.Constant
}

func (x *memIndex) BeforeFirst(rng types.Range) error {
	x.rng, x.pos = rng, -1
	return nil
}

func (x *memIndex) Next() (bool, error) {
	for x.pos++; x.pos < len(x.keys); x.pos++ {
		if x.rng.Contains(x.keys[x.pos]) {
			return true, nil
		}
	}
	return false, nil
}

func (x *memIndex) DataRecordID() (pagemanager.RecordID, error) { return x.rids[x.pos], nil }

func (x *memIndex) Insert(key types.Constant, rid pagemanager.RecordID) error {
	if x.failOn != nil && key.Equal(x.failOn) {
		return errors.New("insert refused")
	}
	x.keys = append(x.keys, key)
	x.rids = append(x.rids, rid)
	return nil
}

func (x *memIndex) Delete(key types.Constant, rid pagemanager.RecordID) error {
	for i := range x.keys {
		if x.keys[i].Equal(key) && x.rids[i] == rid {
			x.keys = append(x.keys[:i], x.keys[i+1:]...)
			x.rids = append(x.rids[:i], x.rids[i+1:]...)
			return nil
		}
	}
	return nil
}

func (x *memIndex) Close() {}

var _ indexing.Index = (*memIndex)(nil)

func setup(t *testing.T, idx indexing.Index) (*IndexManager, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	metrics, err := internaltelemetry.NewKernelMetrics(mp.Meter("test"))
	require.NoError(t, err)
	tel := &telemetry.Telemetry{Tracer: tp.Tracer("test"), Meter: mp.Meter("test")}
	return New(idx, "idx_sid", indexing.BTree, tel, metrics), spans, reader
}

func rid(n int) pagemanager.RecordID {
	return pagemanager.NewRecordID(pagemanager.NewBlockID("student.tbl", 0), int32(n))
}

func opsRecorded(t *testing.T, reader *sdkmetric.ManualReader) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "gojodb.index.operations_total" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestIndexManager_SearchAndLimit(t *testing.T) {
	im, spans, reader := setup(t, &memIndex{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, im.Insert(ctx, types.IntegerConstant(int32(i%2)), rid(i)))
	}
	rids, err := im.Search(ctx, types.NewEqualityRange(types.IntegerConstant(0)), 0)
	require.NoError(t, err)
	require.Equal(t, []pagemanager.RecordID{rid(0), rid(2), rid(4)}, rids)

	rids, err = im.Search(ctx, types.FullRange(), 2)
	require.NoError(t, err)
	require.Len(t, rids, 2)

	require.NoError(t, im.Delete(ctx, types.IntegerConstant(0), rid(2)))
	rids, err = im.Search(ctx, types.NewEqualityRange(types.IntegerConstant(0)), 0)
	require.NoError(t, err)
	require.Equal(t, []pagemanager.RecordID{rid(0), rid(4)}, rids)

	require.Len(t, spans.Ended(), 9)
	require.Equal(t, "index.Insert", spans.Ended()[0].Name())
	require.Equal(t, int64(9), opsRecorded(t, reader))
}

func TestIndexManager_FailedInsertMarksSpan(t *testing.T) {
	im, spans, _ := setup(t, &memIndex{failOn: types.IntegerConstant(13)})

	require.Error(t, im.Insert(context.Background(), types.IntegerConstant(13), rid(1)))
	ended := spans.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, otelcodes.Error, ended[0].Status().Code)
}
