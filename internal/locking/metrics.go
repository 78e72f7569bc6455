package locking

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	writeCount    metric.Int64Counter
	writeDuration metric.Int64Histogram
	localDenied   metric.Int64Counter
	checkCount    metric.Int64Counter
	releaseCount  metric.Int64Counter
	heldGauge     metric.Int64ObservableGauge
	held          atomic.Int64
}

func newLockMetrics(logger pslog.Logger, strategy string) *lockMetrics {
	meter := otel.Meter("github.com/thinkaurelius/titan-sub001/locking")
	m := &lockMetrics{}
	var err error

	m.writeCount, err = meter.Int64Counter(
		"titan.lock.write",
		metric.WithDescription("Lock acquisition attempts"),
	)
	logMetricInitError(logger, "titan.lock.write", err)

	m.writeDuration, err = meter.Int64Histogram(
		"titan.lock.write.duration_ms",
		metric.WithDescription("Lock acquisition duration including retries"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "titan.lock.write.duration_ms", err)

	m.localDenied, err = meter.Int64Counter(
		"titan.lock.local_denied",
		metric.WithDescription("Acquisitions rejected by the local mediator"),
	)
	logMetricInitError(logger, "titan.lock.local_denied", err)

	m.checkCount, err = meter.Int64Counter(
		"titan.lock.check",
		metric.WithDescription("Lock re-confirmations"),
	)
	logMetricInitError(logger, "titan.lock.check", err)

	m.releaseCount, err = meter.Int64Counter(
		"titan.lock.release",
		metric.WithDescription("Lock releases"),
	)
	logMetricInitError(logger, "titan.lock.release", err)

	m.heldGauge, err = meter.Int64ObservableGauge(
		"titan.lock.held",
		metric.WithDescription("Locks currently held by this process (best-effort)"),
	)
	logMetricInitError(logger, "titan.lock.held", err)

	attrs := metric.WithAttributes(attribute.String("titan.lock.strategy", strategy))
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if m.heldGauge != nil {
			o.ObserveInt64(m.heldGauge, m.held.Load(), attrs)
		}
		return nil
	}, m.heldGauge); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "titan.lock.held", "error", err)
	}
	return m
}

func (m *lockMetrics) recordWrite(ctx context.Context, strategy string, attempts int, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("titan.lock.strategy", strategy),
		attribute.String("titan.lock.result", resultLabel(err)),
		attribute.Int("titan.lock.attempts", attempts),
	)
	if m.writeCount != nil {
		m.writeCount.Add(ctx, 1, attrs)
	}
	if m.writeDuration != nil {
		m.writeDuration.Record(ctx, d.Milliseconds(), attrs)
	}
	if err == nil {
		m.held.Add(1)
	}
}

func (m *lockMetrics) recordLocalDenied(ctx context.Context, strategy string) {
	if m == nil || m.localDenied == nil {
		return
	}
	m.localDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("titan.lock.strategy", strategy)))
}

func (m *lockMetrics) recordCheck(ctx context.Context, strategy string, err error) {
	if m == nil || m.checkCount == nil {
		return
	}
	m.checkCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("titan.lock.strategy", strategy),
		attribute.String("titan.lock.result", resultLabel(err)),
	))
}

func (m *lockMetrics) recordRelease(ctx context.Context, strategy string, err error) {
	if m == nil {
		return
	}
	m.held.Add(-1)
	if m.releaseCount == nil {
		return
	}
	m.releaseCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("titan.lock.strategy", strategy),
		attribute.String("titan.lock.result", resultLabel(err)),
	))
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if f, ok := AsFailure(err); ok {
		return f.Kind.String()
	}
	return "error"
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
