package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sarview/sarview/internal/cache"
	"github.com/sarview/sarview/internal/store"
)

var (
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sarview_http_response_time_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path"})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sarview_http_requests_total",
		Help: "Number of HTTP requests.",
	}, []string{"path"})

	gaugeOpenImages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sarview_open_images",
		Help: "Open image handles.",
	})
	gaugeViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sarview_viewers",
		Help: "Attached viewport registrations.",
	})
	gaugeReaderReads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sarview_reader_reads",
		Help: "Reader round trips since start.",
	})
	gaugeCacheTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sarview_cache_tiles",
		Help: "Resident display tiles.",
	})
	gaugeCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sarview_cache_bytes",
		Help: "Bytes held by the display tile tier.",
	})
	gaugeCacheEvictions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sarview_cache_evictions",
		Help: "Tiles evicted since start.",
	})
)

// prometheusMiddleware records request counts and latency. The label is
// the chi route pattern, resolved after the handler runs, so tile
// coordinates do not blow up the label space.
func prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		httpDuration.WithLabelValues(path).Observe(duration.Seconds())
		httpRequests.WithLabelValues(path).Inc()
	})
}

// metricsHandler refreshes the engine gauges from live counters and
// serves the prometheus scrape.
func metricsHandler(st *store.Store, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ss := st.Stats()
		gaugeOpenImages.Set(float64(ss.OpenImages))
		gaugeViewers.Set(float64(ss.Viewers))
		gaugeReaderReads.Set(float64(ss.ReaderReads))
		cs := cm.Stats()
		gaugeCacheTiles.Set(float64(cs.Tiles))
		gaugeCacheBytes.Set(float64(cs.Bytes))
		gaugeCacheEvictions.Set(float64(cs.Evictions))
		promhttp.Handler().ServeHTTP(w, r)
	}
}
