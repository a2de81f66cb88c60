package columnar

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is the process-wide columnar serializer metrics facet: ten
// counters, four gauges (two of which are peak values maintained via
// compare-and-swap loops rather than Prometheus' own max-tracking), and
// four histograms.
type metrics struct {
	totalRequests            prometheus.Counter
	successful                prometheus.Counter
	failed                    prometheus.Counter
	totalBatches              prometheus.Counter
	totalRows                 prometheus.Counter
	bytesWrittenUncompressed  prometheus.Counter
	bytesCompressed           prometheus.Counter
	compressionRequests       prometheus.Counter
	compressionErrors         prometheus.Counter
	memoryLimitErrors         prometheus.Counter

	activeStreams     prometheus.Gauge
	peakActiveStreams prometheus.Gauge
	currentMemoryBytes prometheus.Gauge
	peakMemoryBytes    prometheus.Gauge

	durationMicros    prometheus.Histogram
	batchRowCount     prometheus.Histogram
	responseBytes     prometheus.Histogram
	compressionRatio  prometheus.Histogram

	activeStreamsRaw     int64
	peakActiveStreamsRaw int64
	peakMemoryBytesRaw   int64
}

// defaultMetrics is registered once against the Prometheus default
// registerer, matching how the rest of the gateway exposes counters at
// `/_/metrics`.
var defaultMetrics = newMetrics(prometheus.DefaultRegisterer)

// newMetrics builds the columnar metrics facet against reg. Production
// code always passes prometheus.DefaultRegisterer (via defaultMetrics);
// tests pass a fresh prometheus.NewRegistry() so repeated construction
// within the same test binary doesn't collide on metric names.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		totalRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_requests_total", Help: "Total columnar stream requests.",
		}),
		successful: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_successful_total", Help: "Columnar stream requests completed successfully.",
		}),
		failed: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_failed_total", Help: "Columnar stream requests that failed.",
		}),
		totalBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_batches_total", Help: "Total Arrow record batches written.",
		}),
		totalRows: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_rows_total", Help: "Total rows serialized.",
		}),
		bytesWrittenUncompressed: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_bytes_uncompressed_total", Help: "Total uncompressed IPC bytes produced.",
		}),
		bytesCompressed: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_bytes_compressed_total", Help: "Total bytes written to clients after compression.",
		}),
		compressionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_compression_requests_total", Help: "Streams that requested a compression codec.",
		}),
		compressionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_compression_errors_total", Help: "Compression attempts that fell back to uncompressed output.",
		}),
		memoryLimitErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "flapi_columnar_memory_limit_errors_total", Help: "Streams aborted for exceeding the memory guard.",
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "flapi_columnar_active_streams", Help: "Columnar streams currently in flight.",
		}),
		peakActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "flapi_columnar_peak_active_streams", Help: "Highest observed concurrent columnar streams.",
		}),
		currentMemoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "flapi_columnar_current_memory_bytes", Help: "Coarse memory estimate most recently reported by a columnar stream.",
		}),
		peakMemoryBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "flapi_columnar_peak_memory_bytes", Help: "Highest observed coarse memory estimate.",
		}),
		durationMicros: f.NewHistogram(prometheus.HistogramOpts{
			Name: "flapi_columnar_duration_microseconds", Help: "Stream duration in microseconds.",
			Buckets: prometheus.ExponentialBuckets(100, 4, 12),
		}),
		batchRowCount: f.NewHistogram(prometheus.HistogramOpts{
			Name: "flapi_columnar_batch_row_count", Help: "Rows per record batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12),
		}),
		responseBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name: "flapi_columnar_response_bytes", Help: "Total bytes written per stream.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 14),
		}),
		compressionRatio: f.NewHistogram(prometheus.HistogramOpts{
			Name: "flapi_columnar_compression_ratio_ppm", Help: "Compressed/uncompressed size ratio in parts-per-million.",
			Buckets: prometheus.ExponentialBuckets(1000, 2, 12),
		}),
	}
}

func (m *metrics) streamStarted() {
	n := atomic.AddInt64(&m.activeStreamsRaw, 1)
	m.activeStreams.Set(float64(n))
	m.bumpPeakActive(n)
	m.totalRequests.Inc()
}

func (m *metrics) streamEnded() {
	n := atomic.AddInt64(&m.activeStreamsRaw, -1)
	m.activeStreams.Set(float64(n))
}

func (m *metrics) bumpPeakActive(n int64) {
	for {
		peak := atomic.LoadInt64(&m.peakActiveStreamsRaw)
		if n <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&m.peakActiveStreamsRaw, peak, n) {
			m.peakActiveStreams.Set(float64(n))
			return
		}
	}
}

func (m *metrics) setCurrentMemory(bytes int64) {
	m.currentMemoryBytes.Set(float64(bytes))
	for {
		peak := atomic.LoadInt64(&m.peakMemoryBytesRaw)
		if bytes <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&m.peakMemoryBytesRaw, peak, bytes) {
			m.peakMemoryBytes.Set(float64(bytes))
			return
		}
	}
}

// requestMarker scopes one stream's lifetime: it increments activeStreams
// on construction and expects exactly one of success/failure to be
// called before it goes out of scope. A finalizer catches the case where
// neither was called — a codepath that returned without recording an
// outcome — and records it as a plain failure on the failed counter;
// no separate counter tracks abandoned streams.
type requestMarker struct {
	m      *metrics
	marked bool
}

func newRequestMarker(m *metrics) *requestMarker {
	m.streamStarted()
	r := &requestMarker{m: m}
	runtime.SetFinalizer(r, (*requestMarker).abandon)
	return r
}

func (r *requestMarker) success() {
	if r.marked {
		return
	}
	r.marked = true
	runtime.SetFinalizer(r, nil)
	r.m.streamEnded()
	r.m.successful.Inc()
}

func (r *requestMarker) failure(kind string) {
	if r.marked {
		return
	}
	r.marked = true
	runtime.SetFinalizer(r, nil)
	r.m.streamEnded()
	r.m.failed.Inc()
	if kind == "memory" {
		r.m.memoryLimitErrors.Inc()
	}
}

// abandon is the finalizer invoked when a requestMarker is garbage
// collected without ever recording success or failure.
func (r *requestMarker) abandon() {
	if r.marked {
		return
	}
	r.marked = true
	r.m.streamEnded()
	r.m.failed.Inc()
}
