package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "fetch_total",
			Help:      "Total number of intercepted requests by response source",
		},
		[]string{"source", "code"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shellcache",
			Name:      "fetch_duration_seconds",
			Help:      "Time until the response head of intercepted requests was ready",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	cachePuts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "cache_puts_total",
			Help:      "Total cache store writes by result",
		},
		[]string{"result"},
	)

	lifecycleEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "lifecycle_events_total",
			Help:      "Total lifecycle events dispatched by kind and result",
		},
		[]string{"event", "result"},
	)

	registerOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(fetchTotal, fetchDuration, cachePuts, lifecycleEvents)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveFetch(source, code string, d time.Duration) {
	fetchTotal.WithLabelValues(source, code).Inc()
	fetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func IncCachePut(result string) {
	cachePuts.WithLabelValues(result).Inc()
}

func IncLifecycle(event, result string) {
	lifecycleEvents.WithLabelValues(event, result).Inc()
}
