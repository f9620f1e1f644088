package facilitator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRequestsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_facilitator_job_requests_total",
		Help: "Count of organic job requests received from the facilitator.",
	})
	cheatedReportsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_facilitator_cheated_reports_total",
		Help: "Count of cheated-job reports received from the facilitator.",
	})
	statusUpdatesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_facilitator_status_updates_total",
		Help: "Count of job status updates delivered to the facilitator.",
	})
	reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_facilitator_reconnects_total",
		Help: "Count of facilitator websocket reconnect attempts.",
	})
)
