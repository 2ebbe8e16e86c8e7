package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/datamarket/tierstore/internal/metrics"
	"github.com/datamarket/tierstore/internal/storage/storagetest"
	"github.com/datamarket/tierstore/pkg/errors"
	"github.com/datamarket/tierstore/pkg/types"
)

func TestInstrumentedDriverConformance(t *testing.T) {
	storagetest.RunDriverSuite(t, func(t *testing.T) types.Driver {
		return Instrument(storagetest.NewMemDriver("mem"), nil)
	})
}

func TestInstrumentedDriverRecordsSpansAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	mem := storagetest.NewMemDriver("mem")
	d := Instrument(mem, collector, WithTracerProvider(tp))
	ctx := context.Background()

	data := []byte("instrumented")
	hash := types.HashBytes(data)
	require.NoError(t, d.PutObject(ctx, hash, bytes.NewReader(data), int64(len(data)), types.TierHot, nil))
	_, err = d.HeadObject(ctx, types.HashBytes([]byte("absent")), types.TierHot)
	require.True(t, errors.IsNotFound(err))

	mem.FailMove[hash] = errors.New(errors.ErrCodeConnectivity, "injected")
	require.Error(t, d.MoveObject(ctx, hash, types.TierHot, types.TierWarm))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	assert.Equal(t, "storage.PutObject", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[1].Status().Code, "not found is not a span error")
	assert.Equal(t, "storage.MoveObject", spans[2].Name())
	assert.Equal(t, codes.Error, spans[2].Status().Code)

	ops := collector.GetMetrics()
	assert.Equal(t, int64(1), ops["mem.PutObject"].Count)
	assert.Equal(t, int64(len(data)), ops["mem.PutObject"].TotalSize)
	assert.Equal(t, int64(1), ops["mem.MoveObject"].Errors)
	assert.Greater(t, collector.Uptime(), time.Duration(0))
}
