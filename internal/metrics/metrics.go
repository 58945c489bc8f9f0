package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pressurenet_aggregator_build_info",
		Help: "Build information of the readings aggregator",
	}, []string{"version", "commit"})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_messages_received_total", Help: "Total messages received from the queue.",
	})
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_messages_rejected_total", Help: "Total messages rejected as malformed.",
	}, []string{"reason"})
	MessagesDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_messages_duplicate_total", Help: "Total duplicate deliveries.",
	}, []string{"kind"})
	MessagesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_messages_deferred_total", Help: "Total messages left for redelivery because the window buffer failed.",
	})
	MessagesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pressurenet_aggregator_messages_active", Help: "Messages buffered and awaiting a committed flush.",
	})
	MessagesPendingDelete = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pressurenet_aggregator_messages_pending_delete", Help: "Messages ready to be deleted from the queue.",
	})

	FlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pressurenet_aggregator_flush_duration_seconds",
		Help:    "Duration of one granularity flush cycle.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"granularity"})
	WindowsFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_windows_flushed_total", Help: "Windows flushed, by outcome.",
	}, []string{"granularity", "result"})
	HandlerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_handler_results_total", Help: "Handler invocations, by outcome.",
	}, []string{"handler", "result"})

	MessagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_messages_deleted_total", Help: "Total messages deleted from the queue.",
	})
	DeleteErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_delete_errors_total", Help: "Total per-message delete failures.",
	})
	ReceiveErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_receive_errors_total", Help: "Total queue receive errors.",
	})
	IterationPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pressurenet_aggregator_iteration_panics_total", Help: "Drain loop iterations that panicked and were recovered.",
	})
)
