package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/mpalmer/factrun/metrics"
)

func TestNew_NilMeterDisablesMetrics(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Every Record* call must be a safe no-op on a nil *Metrics.
	m.RecordFetch(context.Background(), "Widget", false, time.Millisecond)
	m.RecordFind(context.Background(), "Widget", true, time.Millisecond)
	m.RecordManagedProjectionUpdate(context.Background(), "Widget", time.Millisecond)
	m.RecordEventProcessingLatency(context.Background(), "Widget", time.Millisecond)
	m.RecordFetchSize(context.Background(), "Widget", 128)
}

func TestMetrics_RecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter("factrun-test")

	m, err := metrics.New(meter)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.RecordFetch(ctx, "Widget", false, 10*time.Millisecond)
	m.RecordFind(ctx, "Widget", true, 5*time.Millisecond)
	m.RecordManagedProjectionUpdate(ctx, "Widget", 2*time.Millisecond)
	m.RecordEventProcessingLatency(ctx, "Widget", time.Second)
	m.RecordFetchSize(ctx, "Widget", 256)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}
	assert.True(t, names["factrun.fetch.duration"])
	assert.True(t, names["factrun.find.duration"])
	assert.True(t, names["factrun.managed_projection.update.duration"])
	assert.True(t, names["factrun.event.processing_latency"])
	assert.True(t, names["factrun.fetch.size_bytes"])
}
