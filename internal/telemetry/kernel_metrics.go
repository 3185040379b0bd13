package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// KernelMetrics holds all the metric instruments of the storage kernel.
type KernelMetrics struct {
	BufferPinsCounter    metric.Int64Counter
	BufferWaitsCounter   metric.Int64Counter
	BufferEscapesCounter metric.Int64Counter
	BufferAbortsCounter  metric.Int64Counter

	LockWaitsCounter  metric.Int64Counter
	LockAbortsCounter metric.Int64Counter
	LockWaitHistogram metric.Int64Histogram

	TxStartedCounter    metric.Int64Counter
	TxCommittedCounter  metric.Int64Counter
	TxRolledBackCounter metric.Int64Counter

	LogAppendsCounter metric.Int64Counter
	LogFlushesCounter metric.Int64Counter

	IndexOpsCounter       metric.Int64Counter
	IndexLatencyHistogram metric.Int64Histogram
	ActiveIndexOps        metric.Int64UpDownCounter
}

type counterSpec struct {
	target      *metric.Int64Counter
	name        string
	description string
}

// NewKernelMetrics creates and registers all the metrics of the kernel.
func NewKernelMetrics(meter metric.Meter) (*KernelMetrics, error) {
	m := &KernelMetrics{}

	counters := []counterSpec{
		{&m.BufferPinsCounter, "gojodb.buffer.pins_total", "Total number of successful buffer pins."},
		{&m.BufferWaitsCounter, "gojodb.buffer.waits_total", "Pins that had to wait for a free frame."},
		{&m.BufferEscapesCounter, "gojodb.buffer.escapes_total", "Times a transaction released and re-pinned its frames."},
		{&m.BufferAbortsCounter, "gojodb.buffer.aborts_total", "Pins that failed after waiting."},
		{&m.LockWaitsCounter, "gojodb.lock.waits_total", "Lock requests that had to wait."},
		{&m.LockAbortsCounter, "gojodb.lock.aborts_total", "Lock requests aborted on timeout."},
		{&m.TxStartedCounter, "gojodb.tx.started_total", "Transactions started."},
		{&m.TxCommittedCounter, "gojodb.tx.committed_total", "Transactions committed."},
		{&m.TxRolledBackCounter, "gojodb.tx.rolled_back_total", "Transactions rolled back."},
		{&m.LogAppendsCounter, "gojodb.log.appends_total", "Log records appended."},
		{&m.LogFlushesCounter, "gojodb.log.flushes_total", "Log blocks written to disk."},
		{&m.IndexOpsCounter, "gojodb.index.operations_total", "Index operations handled."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.target = counter
	}

	var err error
	m.LockWaitHistogram, err = meter.Int64Histogram(
		"gojodb.lock.wait_duration",
		metric.WithDescription("Time spent waiting for a lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.IndexLatencyHistogram, err = meter.Int64Histogram(
		"gojodb.index.duration",
		metric.WithDescription("The latency of index operations."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveIndexOps, err = meter.Int64UpDownCounter(
		"gojodb.index.active_operations",
		metric.WithDescription("Number of index operations in flight."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopKernelMetrics returns instruments that discard every measurement.
func NoopKernelMetrics() *KernelMetrics {
	m, err := NewKernelMetrics(noop.NewMeterProvider().Meter(""))
	if err != nil {
		// the no-op meter never fails
		panic(err)
	}
	return m
}
