package server

import (
	"strconv"
	"time"

	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestTime  *kitprometheus.Histogram
	requestCount *kitprometheus.Counter
)

func init() {
	requestTime = kitprometheus.NewHistogramFrom(prometheus.HistogramOpts{
		Namespace: "arfhttpd",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency by method and site.",
	}, []string{"method", "site"})

	requestCount = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "arfhttpd",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, site and status code.",
	}, []string{"method", "site", "code"})
}

func observeRequest(method, site string, status int, elapsed time.Duration) {
	requestTime.With(
		"method", method,
		"site", site,
	).Observe(elapsed.Seconds())
	requestCount.With(
		"method", method,
		"site", site,
		"code", strconv.Itoa(status),
	).Add(1)
}
