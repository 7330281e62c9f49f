// Package metrics exposes Prometheus instrumentation plus a lightweight
// JSON stats endpoint backed by atomic counters.
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultNamespace = "blobvault"

// Metrics holds every collector the engine reports. Construct it with
// NewMetrics; it is a process-wide singleton.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseSize     *prometheus.HistogramVec

	StorageOpsTotal    *prometheus.CounterVec
	StorageOpDuration  *prometheus.HistogramVec
	StorageErrorsTotal *prometheus.CounterVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheSize   prometheus.Gauge

	KMSOpsTotal    *prometheus.CounterVec
	KMSOpDuration  *prometheus.HistogramVec
	KMSErrorsTotal *prometheus.CounterVec

	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	LeaseOpsTotal *prometheus.CounterVec

	DataUploadBytes   *prometheus.CounterVec
	DataDownloadBytes *prometheus.CounterVec

	requestCount     uint64
	errorCount       uint64
	bytesTransferred uint64
	startTime        time.Time
	startMu          sync.Mutex
}

var (
	instance *Metrics
	once     sync.Once
)

// NewMetrics builds (or returns) the singleton metrics set registered under
// the given namespace.
func NewMetrics(namespace string) *Metrics {
	once.Do(func() {
		if namespace == "" {
			namespace = defaultNamespace
		}
		registry := prometheus.NewRegistry()
		factory := func(c prometheus.Collector) prometheus.Collector {
			registry.MustRegister(c)
			return c
		}

		m := &Metrics{registry: registry, startTime: time.Now()}

		m.RequestsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total HTTP requests by method, container, status and operation.",
		}, []string{"method", "container", "status", "operation"})).(*prometheus.CounterVec)

		m.RequestDuration = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "container", "operation"})).(*prometheus.HistogramVec)

		m.RequestsInFlight = factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "HTTP requests currently being served.",
		})).(prometheus.Gauge)

		m.ResponseSize = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_size_bytes",
			Help:      "HTTP response sizes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}, []string{"method", "container", "operation"})).(*prometheus.HistogramVec)

		m.StorageOpsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Backend storage operations by provider, operation and result.",
		}, []string{"provider", "operation", "result"})).(*prometheus.CounterVec)

		m.StorageOpDuration = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Backend storage operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "operation"})).(*prometheus.HistogramVec)

		m.StorageErrorsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Backend storage errors by provider, operation and kind.",
		}, []string{"provider", "operation", "kind"})).(*prometheus.CounterVec)

		m.CacheHits = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by cache name.",
		}, []string{"cache"})).(*prometheus.CounterVec)

		m.CacheMisses = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache misses by cache name.",
		}, []string{"cache"})).(*prometheus.CounterVec)

		m.CacheSize = factory(prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_size_bytes",
			Help:      "Current cache memory usage.",
		})).(prometheus.Gauge)

		m.KMSOpsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kms_operations_total",
			Help:      "Key wrap and unwrap operations by result.",
		}, []string{"operation", "result"})).(*prometheus.CounterVec)

		m.KMSOpDuration = factory(prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kms_operation_duration_seconds",
			Help:      "Key wrap and unwrap latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"})).(*prometheus.HistogramVec)

		m.KMSErrorsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kms_errors_total",
			Help:      "Key provider errors by operation and kind.",
		}, []string{"operation", "kind"})).(*prometheus.CounterVec)

		m.AuthAttempts = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by mechanism.",
		}, []string{"mechanism"})).(*prometheus.CounterVec)

		m.AuthFailures = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Authentication failures by mechanism and reason.",
		}, []string{"mechanism", "reason"})).(*prometheus.CounterVec)

		m.LeaseOpsTotal = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_operations_total",
			Help:      "Lease operations by action and result.",
		}, []string{"action", "result"})).(*prometheus.CounterVec)

		m.DataUploadBytes = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_upload_bytes_total",
			Help:      "Bytes uploaded by container and operation.",
		}, []string{"container", "operation"})).(*prometheus.CounterVec)

		m.DataDownloadBytes = factory(prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "data_download_bytes_total",
			Help:      "Bytes downloaded by container and operation.",
		}, []string{"container", "operation"})).(*prometheus.CounterVec)

		instance = m
	})
	return instance
}

func (m *Metrics) IncRequest(method, container, status, operation string) {
	atomic.AddUint64(&m.requestCount, 1)
	m.RequestsTotal.WithLabelValues(method, container, status, operation).Inc()
}

func (m *Metrics) IncError() {
	atomic.AddUint64(&m.errorCount, 1)
}

func (m *Metrics) AddBytesTransferred(n uint64) {
	atomic.AddUint64(&m.bytesTransferred, n)
}

func (m *Metrics) ObserveRequestDuration(method, container, operation string, d time.Duration) {
	m.RequestDuration.WithLabelValues(method, container, operation).Observe(d.Seconds())
}

func (m *Metrics) ObserveResponseSize(method, container, operation string, size int64) {
	m.ResponseSize.WithLabelValues(method, container, operation).Observe(float64(size))
}

func (m *Metrics) IncStorageOp(provider, operation, result string) {
	m.StorageOpsTotal.WithLabelValues(provider, operation, result).Inc()
}

func (m *Metrics) ObserveStorageOpDuration(provider, operation string, d time.Duration) {
	m.StorageOpDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

func (m *Metrics) IncStorageError(provider, operation, kind string) {
	m.StorageErrorsTotal.WithLabelValues(provider, operation, kind).Inc()
}

func (m *Metrics) IncCacheHit(cache string)   { m.CacheHits.WithLabelValues(cache).Inc() }
func (m *Metrics) IncCacheMiss(cache string)  { m.CacheMisses.WithLabelValues(cache).Inc() }
func (m *Metrics) SetCacheSize(bytes float64) { m.CacheSize.Set(bytes) }

func (m *Metrics) IncKMSOperation(operation, result string) {
	m.KMSOpsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) ObserveKMSOperationDuration(operation string, d time.Duration) {
	m.KMSOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) IncKMSError(operation, kind string) {
	m.KMSErrorsTotal.WithLabelValues(operation, kind).Inc()
}

func (m *Metrics) IncAuthAttempt(mechanism string) {
	m.AuthAttempts.WithLabelValues(mechanism).Inc()
}

func (m *Metrics) IncAuthFailure(mechanism, reason string) {
	m.AuthFailures.WithLabelValues(mechanism, reason).Inc()
}

func (m *Metrics) IncLeaseOp(action, result string) {
	m.LeaseOpsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) AddDataUpload(container, operation string, bytes uint64) {
	m.AddBytesTransferred(bytes)
	m.DataUploadBytes.WithLabelValues(container, operation).Add(float64(bytes))
}

func (m *Metrics) AddDataDownload(container, operation string, bytes uint64) {
	m.AddBytesTransferred(bytes)
	m.DataDownloadBytes.WithLabelValues(container, operation).Add(float64(bytes))
}

// Stats is the JSON payload served by StatsHandler.
type Stats struct {
	TotalRequests    uint64        `json:"total_requests"`
	TotalErrors      uint64        `json:"total_errors"`
	BytesTransferred uint64        `json:"bytes_transferred"`
	RequestsPerSec   float64       `json:"requests_per_sec"`
	ErrorRate        float64       `json:"error_rate"`
	Throughput       float64       `json:"throughput_bytes_per_sec"`
	Uptime           time.Duration `json:"uptime_ns"`
}

// GetStats snapshots the atomic counters.
func (m *Metrics) GetStats() Stats {
	m.startMu.Lock()
	uptime := time.Since(m.startTime)
	m.startMu.Unlock()

	requests := atomic.LoadUint64(&m.requestCount)
	errors := atomic.LoadUint64(&m.errorCount)
	bytes := atomic.LoadUint64(&m.bytesTransferred)

	stats := Stats{
		TotalRequests:    requests,
		TotalErrors:      errors,
		BytesTransferred: bytes,
		Uptime:           uptime,
	}
	seconds := uptime.Seconds()
	if seconds > 0 {
		stats.RequestsPerSec = float64(requests) / seconds
		stats.Throughput = float64(bytes) / seconds
	}
	if requests > 0 {
		stats.ErrorRate = float64(errors) / float64(requests)
	}
	return stats
}

// ResetStats zeroes the atomic counters and restarts the uptime clock.
func (m *Metrics) ResetStats() {
	atomic.StoreUint64(&m.requestCount, 0)
	atomic.StoreUint64(&m.errorCount, 0)
	atomic.StoreUint64(&m.bytesTransferred, 0)
	m.startMu.Lock()
	m.startTime = time.Now()
	m.startMu.Unlock()
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatsHandler serves the JSON stats snapshot.
func (m *Metrics) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.GetStats())
	})
}

// Middleware instruments every request with counters, latency, in-flight
// tracking and transfer sizes.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			operation, container := extractOperationAndContainer(r)
			status := strconv.Itoa(rw.statusCode)

			m.IncRequest(r.Method, container, status, operation)
			m.ObserveRequestDuration(r.Method, container, operation, time.Since(start))
			m.ObserveResponseSize(r.Method, container, operation, rw.bytesWritten)
			if rw.statusCode >= 500 {
				m.IncError()
			}

			if r.ContentLength > 0 {
				m.AddDataUpload(container, operation, uint64(r.ContentLength))
			}
			if rw.bytesWritten > 0 {
				m.AddDataDownload(container, operation, uint64(rw.bytesWritten))
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// extractOperationAndContainer maps a request path onto the logical blob
// operation for labeling.
func extractOperationAndContainer(r *http.Request) (operation, container string) {
	trimmed := strings.Trim(r.URL.Path, "/")
	var parts []string
	if trimmed != "" {
		parts = strings.SplitN(trimmed, "/", 2)
	}
	if len(parts) > 0 {
		container = parts[0]
	}
	hasBlob := len(parts) > 1

	switch r.Method {
	case http.MethodGet:
		switch {
		case container == "":
			operation = "ListContainers"
		case hasBlob:
			operation = "GetBlob"
		default:
			operation = "ListBlobs"
		}
	case http.MethodPut:
		if hasBlob {
			operation = "PutBlob"
		} else {
			operation = "CreateContainer"
		}
	case http.MethodDelete:
		if hasBlob {
			operation = "DeleteBlob"
		} else {
			operation = "DeleteContainer"
		}
	case http.MethodHead:
		if hasBlob {
			operation = "HeadBlob"
		} else {
			operation = "HeadContainer"
		}
	case http.MethodPost:
		operation = "PostBlob"
	default:
		operation = "Unknown"
	}
	return operation, container
}
