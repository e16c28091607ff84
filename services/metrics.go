package services

import "github.com/prometheus/client_golang/prometheus"

var (
	schemesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemes_created_total",
		Help: "Total number of newly discovered schemes.",
	})
	schemesUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemes_updated_total",
		Help: "Total number of schemes whose content fingerprint changed.",
	})
	schemesUnchanged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "schemes_unchanged_total",
		Help: "Total number of polled schemes without content change.",
	})
	fetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "source_fetch_failures_total",
		Help: "Source fetches that failed after retries, by failure kind.",
	}, []string{"kind"})
	parseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "source_parse_failures_total",
		Help: "Snapshots whose structure was not recognised.",
	})
	notifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notify_failures_total",
		Help: "Change notifications that could not be published.",
	})
	ingestRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Completed ingestion runs over all sources.",
	})
	breakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fetch_breaker_trips_total",
		Help: "Times a per-host circuit breaker opened.",
	}, []string{"host"})
)

func init() {
	prometheus.MustRegister(
		schemesCreated,
		schemesUpdated,
		schemesUnchanged,
		fetchFailures,
		parseFailures,
		notifyFailures,
		ingestRuns,
		breakerTrips,
	)
}
