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

// setupTestMetrics installs a Metrics instance backed by a ManualReader for testing.
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

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/api/casos", nil))
	SetRoute(r.Context(), "api")
	SetCacheResult(r.Context(), CacheFallback)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "api"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "fallback"))

	bytesDps := findCounter(rm, "offline_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "offline_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	// Request without InjectTags simulates a request that bypasses middleware
	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusServiceUnavailable, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "5xx"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/test", nil))

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, time.Millisecond)
	RecordServe(context.Background(), "cache_first", CacheHit)
	RecordStoreOp(context.Background(), "bolt", "static", "get", "success", time.Millisecond, 10)
	RecordStoresDeleted(context.Background(), 2)
}

func TestRecordStoreOp(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordStoreOp(ctx, "bolt", "pce-ut-api-cache-v1", "put", "success", 2*time.Millisecond, 512)
	RecordStoreOp(ctx, "bolt", "pce-ut-api-cache-v1", "get", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "offline_cache_store_operations_total")
	require.Len(t, dps, 2)

	// Bytes only recorded for the put
	bytesDps := findCounter(rm, "offline_cache_store_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "put"))
}

func TestRecordServeAndLifecycle(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordServe(ctx, "network_first", CacheNetwork)
	RecordServe(ctx, "network_first", CacheNetwork)
	RecordServe(ctx, "cache_first", CacheOffline)
	RecordLifecycleEvent(ctx, "activate", "success")
	RecordStoresDeleted(ctx, 3)
	RecordStoresDeleted(ctx, 0)
	RecordUpdateCheck(ctx, "available")

	rm := collectMetrics(t, reader)

	serve := findCounter(rm, "offline_cache_serve_total")
	require.Len(t, serve, 2)
	for _, dp := range serve {
		if hasAttr(dp.Attributes, "strategy", "network_first") {
			require.EqualValues(t, 2, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "result", "network"))
		} else {
			require.EqualValues(t, 1, dp.Value)
			require.True(t, hasAttr(dp.Attributes, "result", "offline"))
		}
	}

	deleted := findCounter(rm, "offline_cache_stores_deleted_total")
	require.Len(t, deleted, 1)
	require.EqualValues(t, 3, deleted[0].Value)

	checks := findCounter(rm, "offline_cache_update_checks_total")
	require.Len(t, checks, 1)
	require.True(t, hasAttr(checks[0].Attributes, "result", "available"))
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{299, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
