package lineq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineq_requests_total",
		Help: "Requests received, by command kind.",
	}, []string{"command"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lineq_request_errors_total",
		Help: "Error replies sent, by command kind.",
	}, []string{"command"})

	producedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineq_produced_records_total",
		Help: "Records appended to data logs.",
	})

	walRecordsReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineq_wal_records_replayed_total",
		Help: "Well-formed metadata WAL records applied during startup replay.",
	})

	walRecordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineq_wal_records_skipped_total",
		Help: "Malformed metadata WAL lines skipped during startup replay.",
	})

	orphanedReplies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineq_orphaned_replies_total",
		Help: "Worker replies dropped because the connection was gone.",
	})

	timedOutRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lineq_timed_out_requests_total",
		Help: "In-flight requests expired by the dispatcher deadline sweep.",
	})
)
