// Package metrics exposes the core's observability surface as Prometheus
// collectors: admission outcomes, primary write failures, and replication
// retry/lag signals. The daemon serves Registry via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all logfeed collectors. Wire it to promhttp (or any scraper)
// in the embedding process.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// RecordsReceived counts all submissions, before admission.
	RecordsReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "logfeed_records_received_total",
		Help: "Total records submitted to the ingestion pipeline.",
	})

	// RecordsAccepted counts records committed to primary storage.
	RecordsAccepted = factory.NewCounter(prometheus.CounterOpts{
		Name: "logfeed_records_accepted_total",
		Help: "Total records accepted and committed to the primary store.",
	})

	// RecordsRejected counts admission rejections by filter stage and reason.
	RecordsRejected = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logfeed_records_rejected_total",
		Help: "Total records rejected by the filter chain.",
	}, []string{"stage", "reason"})

	// RecordsFailed counts submissions that failed with an error.
	RecordsFailed = factory.NewCounter(prometheus.CounterOpts{
		Name: "logfeed_records_failed_total",
		Help: "Total submissions that failed (generator or primary write errors).",
	})

	// PrimaryWriteFailures counts rejected primary appends.
	PrimaryWriteFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "logfeed_primary_write_failures_total",
		Help: "Total primary store write failures.",
	})

	// ReplicaRetries counts replica write retry attempts by replica.
	ReplicaRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logfeed_replica_retries_total",
		Help: "Total replica write retries.",
	}, []string{"replica"})

	// ReplicaFailures counts replica writes abandoned after the retry ceiling.
	ReplicaFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logfeed_replica_failures_total",
		Help: "Total replica writes abandoned after exhausting retries.",
	}, []string{"replica"})

	// ReplicationLag observes the time between primary commit and replica ack.
	ReplicationLag = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logfeed_replication_lag_seconds",
		Help:    "Lag between primary commit and replica acknowledgment.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"replica"})
)
