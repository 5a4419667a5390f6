package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/secretd/internal/correlation"
	"pkt.systems/secretd/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and internal spans.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/secretd/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "secretd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("secretd.storage.operation", op),
		attribute.String("secretd.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("secretd.correlation_id", corr))
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.SetAttributes(attribute.Int64("secretd.storage.duration_ms", duration))
	}
}

func (b *backend) Get(ctx context.Context, key string) (storage.GetResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get")
	defer span.End()

	verbose.Trace("storage.get.begin", "key", key)
	result, err := b.inner.Get(ctx, key)
	if err != nil {
		finish(err)
		verbose.Debug("storage.get.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	span.SetAttributes(
		attribute.Int64("secretd.storage.size", result.Info.Size),
		attribute.Bool("secretd.storage.has_etag", result.Info.ETag != ""),
	)
	finish(nil)
	verbose.Debug("storage.get.success",
		"key", key,
		"etag", result.Info.ETag,
		"size", result.Info.Size,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) Put(ctx context.Context, key string, value []byte, opts storage.PutOptions) (storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "put")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("secretd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("secretd.storage.if_not_exists", opts.IfNotExists),
	)
	verbose.Trace("storage.put.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"size", len(value),
	)
	info, err := b.inner.Put(ctx, key, value, opts)
	if err != nil {
		finish(err)
		verbose.Debug("storage.put.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	finish(nil)
	verbose.Debug("storage.put.success", "key", key, "new_etag", info.ETag, "size", info.Size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) Delete(ctx context.Context, key string, opts storage.DeleteOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("secretd.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("secretd.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	verbose.Trace("storage.delete.begin", "key", key, "expected_etag", opts.ExpectedETag)
	err := b.inner.Delete(ctx, key, opts)
	if err != nil {
		finish(err)
		verbose.Debug("storage.delete.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish(nil)
	verbose.Debug("storage.delete.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) List(ctx context.Context, opts storage.ListOptions) (storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list")
	defer span.End()

	span.SetAttributes(
		attribute.String("secretd.storage.prefix", opts.Prefix),
		attribute.String("secretd.storage.start_after", opts.StartAfter),
		attribute.Int("secretd.storage.limit", opts.Limit),
	)
	verbose.Trace("storage.list.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.List(ctx, opts)
	if err != nil {
		finish(err)
		verbose.Debug("storage.list.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	span.SetAttributes(attribute.Int("secretd.storage.object_count", len(result.Objects)))
	finish(nil)
	verbose.Debug("storage.list.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) Close() error {
	_, span, verbose, begin, finish := b.start(context.Background(), "close")
	defer span.End()

	verbose.Trace("storage.close.begin")
	err := b.inner.Close()
	if err != nil {
		finish(err)
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish(nil)
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}
