package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	claimsTotal           prometheus.Counter
	claimErrorsTotal      prometheus.Counter
	settlesTotal          *prometheus.CounterVec
	workerRestartsTotal   prometheus.Counter
	producerCreateErrors  prometheus.Counter
	dispatcherQueueDepth  prometheus.Gauge
	downstreamSendLatency prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		claimsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "fetchqueue",
			Name:      "work_units_claimed_total",
			Help:      "Total number of work units claimed from the work list.",
		}),
		claimErrorsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "fetchqueue",
			Name:      "claim_errors_total",
			Help:      "Total number of claims that returned an error to the dispatcher (timeouts and Redis errors are retried inside the claim and not counted).",
		}),
		settlesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "fetchqueue",
			Name:      "work_units_settled_total",
			Help:      "Total number of settled work units, by status.",
		}, []string{"status"}),
		workerRestartsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "fetchqueue",
			Name:      "worker_restarts_total",
			Help:      "Total number of times a worker goroutine was restarted after an uncaught failure.",
		}),
		producerCreateErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "fetchqueue",
			Name:      "producer_create_errors_total",
			Help:      "Total number of failures creating a per-broker fetch connection.",
		}),
		dispatcherQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "fetchqueue",
			Name:      "dispatcher_queue_depth",
			Help:      "Current depth of the worker pool's internal queue.",
		}),
		downstreamSendLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "fetchqueue",
			Name:      "downstream_send_seconds",
			Help:      "Time spent blocked sending a message batch downstream.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
