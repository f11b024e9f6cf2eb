package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CyclesTotal counts fetch cycles per instance, labeled ok|failed.
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_cycles_total",
		Help: "Fetch cycles run, by instance and outcome.",
	}, []string{"instance", "status"})

	// CycleDuration observes wall-clock duration of fetch cycles.
	CycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sfbridge_cycle_duration_seconds",
		Help:    "Fetch cycle duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"instance"})

	// RecordsFetched counts SOQL records handled, by path (event|logfile).
	RecordsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_records_fetched_total",
		Help: "SOQL records handled, by instance and path.",
	}, []string{"instance", "path"})

	// EntriesEmitted counts normalized log entries produced.
	EntriesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_entries_emitted_total",
		Help: "Normalized log entries produced, by instance.",
	}, []string{"instance"})

	// RowsDeduped counts rows and records dropped by the dedup ledger.
	RowsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_rows_deduped_total",
		Help: "Rows and records skipped by dedup, by instance and kind (id|row|file).",
	}, []string{"instance", "kind"})

	// DownloadsTotal counts CSV file downloads, labeled ok|failed|skipped.
	DownloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_downloads_total",
		Help: "Event log file downloads, by instance and outcome.",
	}, []string{"instance", "status"})

	// AuthAttempts counts OAuth authentications, labeled
	// ok|rejected|error|cached.
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_auth_attempts_total",
		Help: "OAuth authentication attempts, by instance and outcome.",
	}, []string{"instance", "status"})

	// ReauthRetries counts bounded reauth-on-401 retries.
	ReauthRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sfbridge_reauth_retries_total",
		Help: "Reauthentication retries triggered by 401 responses, by instance.",
	}, []string{"instance"})
)

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
