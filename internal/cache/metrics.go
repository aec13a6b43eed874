package cache

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the store's Prometheus collectors. Each Store owns its own
// set so tests can build many stores without duplicate registration.
type Metrics struct {
	lookups         *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
	watchFailures   prometheus.Counter
	watcherRestarts prometheus.Counter
	openStreams     *prometheus.GaugeVec
	entries         prometheus.GaugeFunc
}

func newMetrics(entries func() float64) *Metrics {
	return &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arfhttpd",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Store lookups by kind (stat/open) and result (hit/miss/error).",
		}, []string{"kind", "result"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arfhttpd",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Entries invalidated by change notifications, by event op.",
		}, []string{"op"}),
		watchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arfhttpd",
			Subsystem: "cache",
			Name:      "watch_failures_total",
			Help:      "Paths cached without invalidation coverage.",
		}),
		watcherRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arfhttpd",
			Subsystem: "cache",
			Name:      "watcher_restarts_total",
			Help:      "Times the change notifier was rebuilt after failing.",
		}),
		openStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "arfhttpd",
			Subsystem: "cache",
			Name:      "open_streams",
			Help:      "Open read handles by mode.",
		}, []string{"mode"}),
		entries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "arfhttpd",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Paths known to the keyed table.",
		}, entries),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.lookups.Describe(ch)
	m.invalidations.Describe(ch)
	m.watchFailures.Describe(ch)
	m.watcherRestarts.Describe(ch)
	m.openStreams.Describe(ch)
	m.entries.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.lookups.Collect(ch)
	m.invalidations.Collect(ch)
	m.watchFailures.Collect(ch)
	m.watcherRestarts.Collect(ch)
	m.openStreams.Collect(ch)
	m.entries.Collect(ch)
}

func (m *Metrics) lookup(kind, result string) {
	m.lookups.WithLabelValues(kind, result).Inc()
}
