// Package logging decorates a storage.Store with trace/debug logging and an
// OpenTelemetry span per call.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/thinkaurelius/titan-sub001/internal/correlation"
	"github.com/thinkaurelius/titan-sub001/internal/loggingutil"
	"github.com/thinkaurelius/titan-sub001/internal/storage"
)

type store struct {
	inner  storage.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner. sys names the backend in logs and span attributes.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	return &store{
		inner:  inner,
		logger: loggingutil.WithSubsystem(logger, loggingutil.Subsystem("storage", sys)),
		tracer: otel.Tracer("github.com/thinkaurelius/titan-sub001/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op, name string, key []byte) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "titan.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("titan.storage.operation", op),
		attribute.String("titan.storage.backend", s.sys),
		attribute.String("titan.storage.store", name),
		attribute.Int("titan.storage.key_bytes", len(key)),
	)
	logger := s.logger.With("store", name, "key", storage.EncodeSegment(key))
	if txn := correlation.ID(ctx); txn != "" {
		span.SetAttributes(attribute.String("titan.txn", txn))
		logger = logger.With("txn", txn)
	}
	logger.Trace("storage." + op + ".begin")
	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "transient", storage.IsTransient(err), "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "elapsed", elapsed)
		}
		span.End()
	}
}

func (s *store) WriteColumn(ctx context.Context, name string, key, column, value []byte) error {
	ctx, span, _, finish := s.start(ctx, "write_column", name, key)
	span.SetAttributes(attribute.Int("titan.storage.value_bytes", len(value)))
	err := s.inner.WriteColumn(ctx, name, key, column, value)
	finish(err)
	return err
}

func (s *store) ReadRow(ctx context.Context, name string, key []byte) ([]storage.Entry, error) {
	ctx, span, logger, finish := s.start(ctx, "read_row", name, key)
	entries, err := s.inner.ReadRow(ctx, name, key)
	if err == nil {
		span.SetAttributes(attribute.Int("titan.storage.columns", len(entries)))
		logger.Trace("storage.read_row.columns", "count", len(entries))
	}
	finish(err)
	return entries, err
}

func (s *store) DeleteColumn(ctx context.Context, name string, key, column []byte) error {
	ctx, _, _, finish := s.start(ctx, "delete_column", name, key)
	err := s.inner.DeleteColumn(ctx, name, key, column)
	finish(err)
	return err
}

func (s *store) ListRows(ctx context.Context, name string) ([][]byte, error) {
	lister, ok := s.inner.(storage.RowLister)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	ctx, _, _, finish := s.start(ctx, "list_rows", name, nil)
	keys, err := lister.ListRows(ctx, name)
	finish(err)
	return keys, err
}

func (s *store) SubscribeRowChanges(name string, key []byte) (storage.RowChangeSubscription, error) {
	feed, ok := s.inner.(storage.RowChangeFeed)
	if !ok {
		return nil, storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeRowChanges(name, key)
	if err != nil {
		s.logger.Debug("storage.subscribe.error", "store", name, "error", err)
	}
	return sub, err
}

func (s *store) Close() error {
	err := s.inner.Close()
	if err != nil {
		s.logger.Warn("storage.close.error", "error", err)
	}
	return err
}
