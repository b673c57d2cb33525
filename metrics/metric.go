package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ContentRepo"

var (
	Registry = prometheus.NewRegistry()

	GRPCMetrics = grpcprometheus.NewServerMetrics(
		func(c *prometheus.CounterOpts) {
			c.Namespace = namespace
		},
	)

	TxnCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "commit_total",
		Help:      "transaction commits by result",
	}, []string{"result"})
	TxnRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "txn",
		Name:      "retry_total",
		Help:      "transactions retried after a retryable failure",
	})

	ActionExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "action",
		Name:      "execution_total",
		Help:      "action executions by final status",
	}, []string{"definition", "status"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "action_queue",
		Name:      "depth",
		Help:      "actions waiting in an async queue",
	}, []string{"queue"})
	QueueOngoing = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "action_queue",
		Name:      "ongoing",
		Help:      "actions tracked as ongoing by an async queue",
	}, []string{"queue"})

	AclChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acl",
		Name:      "change_total",
		Help:      "acl versions created or mutated in place",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		GRPCMetrics,
		TxnCommits,
		TxnRetries,
		ActionExecutions,
		QueueDepth,
		QueueOngoing,
		AclChanges,
	)
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
