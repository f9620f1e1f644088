package artifacts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	volumeDownloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_volume_downloads_total",
		Help: "Job input volumes fetched, by volume type.",
	}, []string{"type"})
	outputUploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validator_output_uploads_total",
		Help: "Job output uploads completed, by upload type.",
	}, []string{"type"})
	uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "validator_output_upload_retries_total",
		Help: "Output upload attempts retried after a failure.",
	})
)
