package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(jobsProcessedTotal, jobLatencyMs, queueDepth) }

var jobsProcessedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tryon_jobs_processed_total",
		Help: "Total number of try-on jobs processed, labeled by outcome.",
	},
	[]string{"status"}, // 'completed', 'failed', 'retried', 'canceled'
)

var jobLatencyMs = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tryon_job_latency_ms",
		Help:    "Claim-to-terminal latency of try-on jobs in milliseconds.",
		Buckets: []float64{250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
	},
)

var queueDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "tryon_queue_depth",
		Help: "Current number of queue items by status.",
	},
	[]string{"status"}, // 'pending', 'processing'
)

func IncJob(status string) {
	jobsProcessedTotal.WithLabelValues(norm(status)).Inc()
}

func ObserveJobLatency(ms int) {
	jobLatencyMs.Observe(float64(ms))
}

func SetQueueDepth(pending, processing int) {
	queueDepth.WithLabelValues("pending").Set(float64(pending))
	queueDepth.WithLabelValues("processing").Set(float64(processing))
}
