package transfer

import (
	"time"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receiptsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_transfer_receipts_inserted_total",
		Help: "The number of new receipts persisted from miner pages",
	})
	transferErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "receipt_transfer_errors_total",
		Help: "The number of failed page transfers by error kind",
	}, []string{"kind"})
	lineParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_transfer_line_errors_total",
		Help: "The number of receipt lines dropped as unparseable or badly signed",
	})
	transferredBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_transfer_bytes_total",
		Help: "The number of page bytes fetched from miners",
	})

	// receiptRate feeds the periodic throughput log line.
	receiptRate = ratecounter.NewRateCounter(time.Minute)
)
