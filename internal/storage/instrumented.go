package storage

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/internal/telemetry"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

// InstrumentedDriver decorates a driver with a span and a metrics sample per call.
type InstrumentedDriver struct {
	next    types.Driver
	metrics *metrics.Collector
	tracer  trace.Tracer
}

// Option configures Instrument.
type Option func(*InstrumentedDriver)

// WithTracerProvider replaces the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *InstrumentedDriver) {
		d.tracer = tp.Tracer(telemetry.TracerName)
	}
}

// Instrument wraps next. collector may be nil.
func Instrument(next types.Driver, collector *metrics.Collector, opts ...Option) *InstrumentedDriver {
	d := &InstrumentedDriver{
		next:    next,
		metrics: collector,
		tracer:  otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Unwrap returns the decorated driver.
func (d *InstrumentedDriver) Unwrap() types.Driver { return d.next }

// Name implements types.Driver.
func (d *InstrumentedDriver) Name() string { return d.next.Name() }

func (d *InstrumentedDriver) start(ctx context.Context, op string, hash types.ContentHash, tier types.Tier) (context.Context, trace.Span, time.Time) {
	attrs := []attribute.KeyValue{attribute.String("storage.backend", d.next.Name())}
	if hash != "" {
		attrs = append(attrs, attribute.String("storage.content_hash", string(hash)))
	}
	if tier != "" {
		attrs = append(attrs, attribute.String("storage.tier", string(tier)))
	}
	ctx, span := d.tracer.Start(ctx, "storage."+op, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
	return ctx, span, time.Now()
}

func (d *InstrumentedDriver) finish(span trace.Span, op string, tier types.Tier, start time.Time, size int64, err error) {
	// OBJECT_NOT_FOUND leaves the span status unset.
	if err != nil && !errors.IsNotFound(err) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := errors.CodeOf(err); code != "" {
			span.SetAttributes(attribute.String("error.code", string(code)))
		}
	}
	span.End()
	d.metrics.RecordOperation(d.next.Name(), op, tier, time.Since(start), size, err)
}

// PutObject implements types.Driver.
func (d *InstrumentedDriver) PutObject(ctx context.Context, hash types.ContentHash, body io.Reader, size int64, tier types.Tier, meta *types.StorageMetadata) error {
	ctx, span, start := d.start(ctx, "PutObject", hash, tier)
	span.SetAttributes(attribute.Int64("storage.size", size))
	err := d.next.PutObject(ctx, hash, body, size, tier, meta)
	if err == nil {
		d.metrics.RecordTransfer(d.next.Name(), "upload", size)
	}
	d.finish(span, "PutObject", tier, start, size, err)
	return err
}

// GetObject implements types.Driver. The span covers the request, not the caller's read
// of the body.
func (d *InstrumentedDriver) GetObject(ctx context.Context, hash types.ContentHash, tier types.Tier, rng *types.ByteRange) (*types.Object, error) {
	ctx, span, start := d.start(ctx, "GetObject", hash, tier)
	if rng != nil {
		span.SetAttributes(attribute.Int64("storage.range.start", rng.Start), attribute.Int64("storage.range.end", rng.End))
	}
	obj, err := d.next.GetObject(ctx, hash, tier, rng)
	var size int64
	if err == nil {
		size = obj.ContentLength
		d.metrics.RecordTransfer(d.next.Name(), "download", size)
	}
	d.finish(span, "GetObject", tier, start, size, err)
	return obj, err
}

// HeadObject implements types.Driver.
func (d *InstrumentedDriver) HeadObject(ctx context.Context, hash types.ContentHash, tier types.Tier) (*types.StorageMetadata, error) {
	ctx, span, start := d.start(ctx, "HeadObject", hash, tier)
	md, err := d.next.HeadObject(ctx, hash, tier)
	d.finish(span, "HeadObject", tier, start, 0, err)
	return md, err
}

// DeleteObject implements types.Driver.
func (d *InstrumentedDriver) DeleteObject(ctx context.Context, hash types.ContentHash, tier types.Tier) error {
	ctx, span, start := d.start(ctx, "DeleteObject", hash, tier)
	err := d.next.DeleteObject(ctx, hash, tier)
	d.finish(span, "DeleteObject", tier, start, 0, err)
	return err
}

// ObjectExists implements types.Driver.
func (d *InstrumentedDriver) ObjectExists(ctx context.Context, hash types.ContentHash, tier types.Tier) (bool, error) {
	ctx, span, start := d.start(ctx, "ObjectExists", hash, tier)
	ok, err := d.next.ObjectExists(ctx, hash, tier)
	span.SetAttributes(attribute.Bool("storage.exists", ok))
	d.finish(span, "ObjectExists", tier, start, 0, err)
	return ok, err
}

// PresignedURL implements types.Driver.
func (d *InstrumentedDriver) PresignedURL(ctx context.Context, hash types.ContentHash, tier types.Tier, ttl time.Duration) (*types.PresignedURL, error) {
	ctx, span, start := d.start(ctx, "PresignedURL", hash, tier)
	u, err := d.next.PresignedURL(ctx, hash, tier, ttl)
	d.finish(span, "PresignedURL", tier, start, 0, err)
	return u, err
}

// MoveObject implements types.Driver. Metrics are labelled with the destination tier.
func (d *InstrumentedDriver) MoveObject(ctx context.Context, hash types.ContentHash, from, to types.Tier) error {
	ctx, span, start := d.start(ctx, "MoveObject", hash, to)
	span.SetAttributes(attribute.String("storage.from_tier", string(from)))
	err := d.next.MoveObject(ctx, hash, from, to)
	d.finish(span, "MoveObject", to, start, 0, err)
	return err
}

// ListObjects implements types.Driver.
func (d *InstrumentedDriver) ListObjects(ctx context.Context, tier types.Tier, prefix string, maxKeys int) ([]types.StorageObject, error) {
	ctx, span, start := d.start(ctx, "ListObjects", "", tier)
	objs, err := d.next.ListObjects(ctx, tier, prefix, maxKeys)
	span.SetAttributes(attribute.Int("storage.listed", len(objs)))
	d.finish(span, "ListObjects", tier, start, 0, err)
	return objs, err
}

// HealthCheck implements types.Driver.
func (d *InstrumentedDriver) HealthCheck(ctx context.Context) []types.TierHealth {
	ctx, span, start := d.start(ctx, "HealthCheck", "", "")
	results := d.next.HealthCheck(ctx)
	var err error
	for _, h := range results {
		if !h.Healthy {
			err = errors.Newf(errors.ErrCodeBackendUnavailable, "tier %s unhealthy: %s", h.Tier, h.Error)
			break
		}
	}
	d.finish(span, "HealthCheck", "", start, 0, err)
	return results
}

var _ types.Driver = (*InstrumentedDriver)(nil)
