package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamsync"

var (
	jobQueueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "queue_size",
			Help:      "Number of notification jobs by status",
		},
		[]string{"status"},
	)

	jobsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "jobs_total",
			Help:      "Total delivery jobs finalized by result",
		},
		[]string{"result"},
	)

	jobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "jobs_claimed_total",
			Help:      "Total jobs exclusively claimed from the queue",
		},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time from claim to finalize for one job",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

func recordJobClaimed() {
	jobsClaimed.Inc()
}

func recordJobResult(result string) {
	jobsFinalized.WithLabelValues(result).Inc()
}

func recordDeliveryDuration(d time.Duration) {
	deliveryDuration.Observe(d.Seconds())
}

// RecordQueueStats updates queue depth gauges.
func RecordQueueStats(stats *QueueStats) {
	jobQueueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	jobQueueSize.WithLabelValues("processing").Set(float64(stats.Processing))
	jobQueueSize.WithLabelValues("sent").Set(float64(stats.Sent))
	jobQueueSize.WithLabelValues("failed").Set(float64(stats.Failed))
}
