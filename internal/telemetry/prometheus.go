package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusMetrics struct {
	syncRuns          *prometheus.HistogramVec
	syncObjects       *prometheus.CounterVec
	fetchRetries      *prometheus.CounterVec
	webhooks          *prometheus.CounterVec
	webhookResolution *prometheus.CounterVec
	imageLookups      *prometheus.CounterVec
	imageEvictions    prometheus.Counter
	imageEvictedBytes prometheus.Counter
	imageCacheBytes   prometheus.Gauge
	searchDuration    *prometheus.HistogramVec
	searchResults     prometheus.Histogram
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		syncRuns: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogd_sync_run_duration_seconds",
				Help:    "Duration of finished sync runs in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"mode", "state"},
		),
		syncObjects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogd_sync_objects_total",
				Help: "Catalog objects processed by sync, by outcome",
			},
			[]string{"mode", "outcome"},
		),
		fetchRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogd_remote_fetch_retries_total",
				Help: "Remote fetch attempts retried after a transient failure",
			},
			[]string{"op"},
		),
		webhooks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogd_webhook_events_total",
				Help: "Webhook events received, by disposition",
			},
			[]string{"disposition"},
		),
		webhookResolution: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogd_webhook_resolutions_total",
				Help: "Accepted webhook events processed, by resolution",
			},
			[]string{"resolution"},
		),
		imageLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogd_image_lookups_total",
				Help: "Image cache lookups, by result",
			},
			[]string{"result"},
		),
		imageEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "catalogd_image_evictions_total",
			Help: "Images evicted from the cache",
		}),
		imageEvictedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "catalogd_image_evicted_bytes_total",
			Help: "Bytes released by image eviction",
		}),
		imageCacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "catalogd_image_cache_bytes",
			Help: "Bytes currently held by the image cache",
		}),
		searchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogd_search_duration_seconds",
				Help:    "Search latency in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"cached"},
		),
		searchResults: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "catalogd_search_results",
			Help:    "Number of results returned per search page",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
	}
}

func (p *PrometheusMetrics) ObserveSyncRun(mode, state string, duration time.Duration) {
	p.syncRuns.WithLabelValues(mode, state).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) AddSyncObjects(mode, outcome string, n int) {
	if n <= 0 {
		return
	}
	p.syncObjects.WithLabelValues(mode, outcome).Add(float64(n))
}

func (p *PrometheusMetrics) ObserveFetchRetry(op string) {
	p.fetchRetries.WithLabelValues(op).Inc()
}

func (p *PrometheusMetrics) ObserveWebhook(disposition string) {
	p.webhooks.WithLabelValues(disposition).Inc()
}

func (p *PrometheusMetrics) ObserveWebhookResolution(resolution string) {
	p.webhookResolution.WithLabelValues(resolution).Inc()
}

func (p *PrometheusMetrics) ObserveImageLookup(result string) {
	p.imageLookups.WithLabelValues(result).Inc()
}

func (p *PrometheusMetrics) ObserveImageEviction(count int, bytes int64) {
	p.imageEvictions.Add(float64(count))
	p.imageEvictedBytes.Add(float64(bytes))
}

func (p *PrometheusMetrics) SetImageCacheBytes(bytes int64) {
	p.imageCacheBytes.Set(float64(bytes))
}

func (p *PrometheusMetrics) ObserveSearch(duration time.Duration, results int, cached bool) {
	p.searchDuration.WithLabelValues(strconv.FormatBool(cached)).Observe(duration.Seconds())
	p.searchResults.Observe(float64(results))
}

var _ Metrics = (*PrometheusMetrics)(nil)
