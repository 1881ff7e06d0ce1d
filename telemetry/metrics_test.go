package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	if m, ok := findMetric(rm, name); ok {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
			return sum.DataPoints
		}
	}
	return nil
}

func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	if m, ok := findMetric(rm, name); ok {
		if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
			return g.DataPoints
		}
	}
	return nil
}

func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	if m, ok := findMetric(rm, name); ok {
		if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
			return hist.DataPoints
		}
	}
	return nil
}

func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedAndDetail(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodPost, "/operations", nil))
	SetAPI(r, "operations")
	SetEndpoint(r, "submit")

	RecordHTTP(context.Background(), r, http.StatusAccepted, 5*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "pacs_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "api", "operations"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)

	detail := findCounter(rm, "pacs_cache_http_requests_by_endpoint_total")
	require.Len(t, detail, 1)
	require.True(t, hasAttr(detail[0].Attributes, "endpoint", "submit"))

	hist := findHistogram(rm, "pacs_cache_http_request_duration_seconds")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "pacs_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "api", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
	require.Empty(t, findCounter(rm, "pacs_cache_http_requests_by_endpoint_total"))
}

func TestRecordOperation(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordOperation(ctx, "retrieve", "retrieved", 2*time.Second)
	RecordOperation(ctx, "retrieve", "error", time.Second)
	UpdateQueueDepth(ctx, 3, 2)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "pacs_cache_operations_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "direction", "retrieve"))
	}

	pending := findGauge(rm, "pacs_cache_queue_pending")
	require.Len(t, pending, 1)
	require.EqualValues(t, 3, pending[0].Value)
}

func TestRecordCacheMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordReservation(ctx, "granted", 100)
	RecordEviction(ctx, "capacity", 40)
	RecordEviction(ctx, "capacity", 60)
	RecordEvictionSkip(ctx, "pinned")
	UpdateCacheUsage(ctx, 900, 100, 1000, 4)
	RecordMaintenance(ctx, "sweep", "success", 2, time.Millisecond)

	rm := collectMetrics(t, reader)

	evictions := findCounter(rm, "pacs_cache_evictions_total")
	require.Len(t, evictions, 1)
	require.EqualValues(t, 2, evictions[0].Value)
	require.True(t, hasAttr(evictions[0].Attributes, "reason", "capacity"))

	freed := findCounter(rm, "pacs_cache_eviction_bytes_total")
	require.Len(t, freed, 1)
	require.EqualValues(t, 100, freed[0].Value)

	used := findGauge(rm, "pacs_cache_used_bytes")
	require.Len(t, used, 1)
	require.EqualValues(t, 900, used[0].Value)

	removed := findCounter(rm, "pacs_cache_maintenance_removed_total")
	require.Len(t, removed, 1)
	require.EqualValues(t, 2, removed[0].Value)
}

func TestRecordBackendOp_DirectionFromContext(t *testing.T) {
	reader := setupTestMetrics(t)
	retrieve := WithOperation(context.Background(), "op-1", "retrieve")

	RecordBackendOp(retrieve, "filesystem", "write", "success", time.Millisecond, 64)
	RecordBackendOp(context.Background(), "filesystem", "write", "success", time.Millisecond, 0)
	RecordReservation(retrieve, "granted", 100)

	rm := collectMetrics(t, reader)

	ops := findCounter(rm, "pacs_cache_backend_requests_total")
	require.Len(t, ops, 2)
	directions := map[string]int64{}
	for _, dp := range ops {
		v, ok := dp.Attributes.Value(attribute.Key("direction"))
		require.True(t, ok)
		directions[v.AsString()] = dp.Value
	}
	require.Equal(t, map[string]int64{"retrieve": 1, "none": 1}, directions)

	bytes := findCounter(rm, "pacs_cache_backend_bytes_total")
	require.Len(t, bytes, 1)
	require.True(t, hasAttr(bytes[0].Attributes, "direction", "retrieve"))

	reservations := findCounter(rm, "pacs_cache_reservations_total")
	require.Len(t, reservations, 1)
	require.True(t, hasAttr(reservations[0].Attributes, "direction", "retrieve"))
	require.True(t, hasAttr(reservations[0].Attributes, "outcome", "granted"))
}

func TestRecordExport(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordExport(context.Background(), "cd", "success", 4096, 1, time.Second)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "pacs_cache_exports_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "device", "cd"))

	nonCompliant := findCounter(rm, "pacs_cache_export_non_compliant_total")
	require.Len(t, nonCompliant, 1)
	require.EqualValues(t, 1, nonCompliant[0].Value)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// None of these should panic.
	RecordHTTP(ctx, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusOK, time.Millisecond)
	RecordOperation(ctx, "query", "results", time.Millisecond)
	UpdateQueueDepth(ctx, 0, 0)
	RecordTransportCall(ctx, "echo", "success", time.Millisecond, 0)
	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
	RecordReservation(ctx, "rejected", 10)
	RecordEviction(ctx, "retention", 10)
	RecordEvictionSkip(ctx, "in_flight")
	UpdateCacheUsage(ctx, 0, 0, 0, 0)
	RecordMaintenance(ctx, "compact", "success", 0, time.Millisecond)
	RecordExport(ctx, "usb", "error", 0, 0, time.Millisecond)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{202, "2xx"},
		{304, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{500, "5xx"},
		{507, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
