package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	postingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_postings_total",
		Help: "Transactions posted, by outcome.",
	}, []string{"status"})

	voidsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_voids_total",
		Help: "Transactions voided, by outcome.",
	}, []string{"status"})

	rebuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_balance_rebuild_duration_seconds",
		Help:    "Duration of full balance rebuilds, by outcome.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"status"})
)

// RecordPosting counts one posting attempt.
func RecordPosting(status string) {
	postingsTotal.WithLabelValues(status).Inc()
}

// RecordVoid counts one void attempt.
func RecordVoid(status string) {
	voidsTotal.WithLabelValues(status).Inc()
}

// ObserveRebuild records the duration of one balance rebuild.
func ObserveRebuild(status string, d time.Duration) {
	rebuildDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
