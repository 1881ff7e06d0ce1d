package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/pacs-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	operationsTotal     metric.Int64Counter
	operationDuration   metric.Float64Histogram
	queuePending        metric.Int64Gauge
	queueRunning        metric.Int64Gauge
	transferBytesTotal  metric.Int64Counter
	transportCallsTotal metric.Int64Counter
	transportDuration   metric.Float64Histogram

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	reservationsTotal       metric.Int64Counter
	reservationBytesTotal   metric.Int64Counter
	evictionsTotal          metric.Int64Counter
	evictionBytesTotal      metric.Int64Counter
	evictionSkipsTotal      metric.Int64Counter
	cacheUsedBytes          metric.Int64Gauge
	cacheReservedBytes      metric.Int64Gauge
	cacheMaxBytes           metric.Int64Gauge
	cacheEntries            metric.Int64Gauge
	maintenanceRunsTotal    metric.Int64Counter
	maintenanceDuration     metric.Float64Histogram
	maintenanceRemovedTotal metric.Int64Counter

	exportsTotal        metric.Int64Counter
	exportBytesTotal    metric.Int64Counter
	exportDuration      metric.Float64Histogram
	exportNonDICOMTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "pacs-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporters a no-op periodic reader still lets instruments record.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

var (
	latencyBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	transferBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800}
	backendBuckets  = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// instrumentSet accumulates the first error while creating instruments.
type instrumentSet struct {
	meter metric.Meter
	err   error
}

func (s *instrumentSet) counter(name, desc, unit string) metric.Int64Counter {
	c, err := s.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && s.err == nil {
		s.err = err
	}
	return c
}

func (s *instrumentSet) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := s.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && s.err == nil {
		s.err = err
	}
	return g
}

func (s *instrumentSet) histogram(name, desc string, bounds []float64) metric.Float64Histogram {
	h, err := s.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	if err != nil && s.err == nil {
		s.err = err
	}
	return h
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	s := &instrumentSet{meter: meter}
	m := &Metrics{
		requestsTotal:           s.counter("pacs_cache_http_requests_total", "Total number of HTTP API requests", "{request}"),
		requestDuration:         s.histogram("pacs_cache_http_request_duration_seconds", "HTTP API request duration in seconds", latencyBuckets),
		requestsByEndpointTotal: s.counter("pacs_cache_http_requests_by_endpoint_total", "Total number of HTTP API requests by endpoint (detail metric)", "{request}"),

		operationsTotal:     s.counter("pacs_cache_operations_total", "Operations reaching a terminal state", "{operation}"),
		operationDuration:   s.histogram("pacs_cache_operation_duration_seconds", "Time from submission to terminal state", transferBuckets),
		queuePending:        s.gauge("pacs_cache_queue_pending", "Operations waiting for a worker", "{operation}"),
		queueRunning:        s.gauge("pacs_cache_queue_running", "Operations currently executing", "{operation}"),
		transferBytesTotal:  s.counter("pacs_cache_transfer_bytes_total", "Instance bytes moved to or from remote archives", "By"),
		transportCallsTotal: s.counter("pacs_cache_transport_calls_total", "Calls made to the archive transport", "{call}"),
		transportDuration:   s.histogram("pacs_cache_transport_call_duration_seconds", "Duration of archive transport calls", transferBuckets),

		backendRequestDuration: s.histogram("pacs_cache_backend_request_duration_seconds", "Duration of cache volume operations", backendBuckets),
		backendRequestsTotal:   s.counter("pacs_cache_backend_requests_total", "Total number of cache volume operations", "{request}"),
		backendBytesTotal:      s.counter("pacs_cache_backend_bytes_total", "Total bytes transferred in cache volume operations", "By"),

		reservationsTotal:       s.counter("pacs_cache_reservations_total", "Space reservations by outcome", "{reservation}"),
		reservationBytesTotal:   s.counter("pacs_cache_reservation_bytes_total", "Bytes requested by reservations", "By"),
		evictionsTotal:          s.counter("pacs_cache_evictions_total", "Studies removed from the cache", "{study}"),
		evictionBytesTotal:      s.counter("pacs_cache_eviction_bytes_total", "Bytes freed by removing studies", "By"),
		evictionSkipsTotal:      s.counter("pacs_cache_eviction_skips_total", "Eviction candidates skipped because they were pinned or in flight", "{skip}"),
		cacheUsedBytes:          s.gauge("pacs_cache_used_bytes", "Bytes held by committed studies", "By"),
		cacheReservedBytes:      s.gauge("pacs_cache_reserved_bytes", "Bytes held by outstanding reservations", "By"),
		cacheMaxBytes:           s.gauge("pacs_cache_max_bytes", "Configured cache size limit", "By"),
		cacheEntries:            s.gauge("pacs_cache_entries", "Committed studies", "{study}"),
		maintenanceRunsTotal:    s.counter("pacs_cache_maintenance_runs_total", "Retention sweeps and compactions", "{run}"),
		maintenanceDuration:     s.histogram("pacs_cache_maintenance_duration_seconds", "Duration of retention sweeps and compactions", latencyBuckets),
		maintenanceRemovedTotal: s.counter("pacs_cache_maintenance_removed_total", "Entries or files removed by maintenance", "{item}"),

		exportsTotal:        s.counter("pacs_cache_exports_total", "DICOMDIR export commits by device and outcome", "{export}"),
		exportBytesTotal:    s.counter("pacs_cache_export_bytes_total", "Bytes written to export media", "By"),
		exportDuration:      s.histogram("pacs_cache_export_duration_seconds", "Duration of DICOMDIR export commits", transferBuckets),
		exportNonDICOMTotal: s.counter("pacs_cache_export_non_compliant_total", "Exported files that did not sniff as DICOM", "{file}"),
	}
	if s.err != nil {
		return nil, s.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records an HTTP API request.
func RecordHTTP(ctx context.Context, r *http.Request, status int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	api := "unknown"
	endpoint := ""
	if tags := GetTags(r); tags != nil {
		if tags.API != "" {
			api = tags.API
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)
	sharedAttrs := metric.WithAttributes(
		attribute.String("api", api),
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, sharedAttrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), sharedAttrs)

	// Detail metric: higher cardinality, only when endpoint is set
	if endpoint != "" {
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("api", api),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
		))
	}
}

// RecordOperation records an operation reaching a terminal state.
// outcome is the terminal state name, lowercased.
func RecordOperation(ctx context.Context, direction, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("direction", direction),
		attribute.String("outcome", outcome),
	)
	globalMetrics.operationsTotal.Add(ctx, 1, attrs)
	globalMetrics.operationDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateQueueDepth records the current number of pending and running operations.
func UpdateQueueDepth(ctx context.Context, pending, running int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.queuePending.Record(ctx, int64(pending))
	globalMetrics.queueRunning.Record(ctx, int64(running))
}

// RecordTransportCall records one call to an archive transport.
func RecordTransportCall(ctx context.Context, call, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("call", call),
		attribute.String("outcome", outcome),
	)
	globalMetrics.transportCallsTotal.Add(ctx, 1, attrs)
	globalMetrics.transportDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.transferBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("call", call)))
	}
}

// RecordBackendOp records a cache volume operation, labelled with the
// direction of the operation that issued it.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("direction", directionOrNone(ctx)),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// directionOrNone labels work outside any operation, such as maintenance
// and exports, as "none".
func directionOrNone(ctx context.Context) string {
	if d := DirectionFromContext(ctx); d != "" {
		return d
	}
	return "none"
}

// RecordReservation records a reservation attempt.
// outcome is "granted", "grown" or "rejected".
func RecordReservation(ctx context.Context, outcome string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("direction", directionOrNone(ctx)),
		attribute.String("outcome", outcome),
	)
	globalMetrics.reservationsTotal.Add(ctx, 1, attrs)
	globalMetrics.reservationBytesTotal.Add(ctx, bytes, attrs)
}

// RecordEviction records a study removed from the cache.
// reason is "capacity", "retention", "delete" or "delete_all".
func RecordEviction(ctx context.Context, reason string, bytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	globalMetrics.evictionsTotal.Add(ctx, 1, attrs)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes, attrs)
}

// RecordEvictionSkip records a candidate that could not be evicted.
// reason is "pinned" or "in_flight".
func RecordEvictionSkip(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionSkipsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateCacheUsage records the cache occupancy gauges.
func UpdateCacheUsage(ctx context.Context, used, reserved, max, entries int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheUsedBytes.Record(ctx, used)
	globalMetrics.cacheReservedBytes.Record(ctx, reserved)
	globalMetrics.cacheMaxBytes.Record(ctx, max)
	globalMetrics.cacheEntries.Record(ctx, entries)
}

// RecordMaintenance records one maintenance run.
// task is "sweep" or "compact". Called unconditionally per run.
func RecordMaintenance(ctx context.Context, task, outcome string, removed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("outcome", outcome),
	)
	globalMetrics.maintenanceRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.maintenanceDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.maintenanceRemovedTotal.Add(ctx, int64(removed), metric.WithAttributes(attribute.String("task", task)))
}

// RecordExport records a DICOMDIR export commit.
func RecordExport(ctx context.Context, device, outcome string, bytes int64, nonCompliant int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("device", device),
		attribute.String("outcome", outcome),
	)
	globalMetrics.exportsTotal.Add(ctx, 1, attrs)
	globalMetrics.exportDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.exportBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("device", device)))
	}
	if nonCompliant > 0 {
		globalMetrics.exportNonDICOMTotal.Add(ctx, int64(nonCompliant), metric.WithAttributes(attribute.String("device", device)))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// The handler returns 404 if Prometheus export is not enabled, so it can be
// registered regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
