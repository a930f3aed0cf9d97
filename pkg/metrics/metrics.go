package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ModuleSQLBridge = "sqlbridge"
)

// metrics labels.
const (
	LabelExecution = "execution"
	LabelWorker    = "worker"

	LblConn      = "conn"
	LblStatement = "statement"
	LblResult    = "result"

	opSucc   = "ok"
	opFailed = "err"
)

// RetLabel returns "ok" for a zero return code and "err" otherwise.
func RetLabel(rc int) string {
	if rc == 0 {
		return opSucc
	}
	return opFailed
}

var (
	ExecutionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleSQLBridge,
			Subsystem: LabelExecution,
			Name:      "executions_total",
			Help:      "Counter of completed statement executions.",
		}, []string{LblConn, LblStatement, LblResult})

	ExecutionDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ModuleSQLBridge,
			Subsystem: LabelExecution,
			Name:      "execution_duration_seconds",
			Help:      "Bucketed histogram of execution time (s) from creation to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 22), // 0.5ms ~ 17.5min
		}, []string{LblConn, LblStatement})

	LiveExecutionGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleSQLBridge,
			Subsystem: LabelExecution,
			Name:      "live_executions",
			Help:      "Number of executions created but not yet complete.",
		}, []string{LblConn})

	StmtReuseCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ModuleSQLBridge,
			Subsystem: LabelExecution,
			Name:      "stmt_reuse_total",
			Help:      "Counter of prepared statements salvaged from a prior execution.",
		}, []string{LblConn, LblStatement})

	WorkerQueueGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ModuleSQLBridge,
			Subsystem: LabelWorker,
			Name:      "queue_depth",
			Help:      "Number of requests waiting in the worker queue.",
		}, []string{LblConn})
)

var registerOnce sync.Once

// RegisterMetrics registers all sqlbridge collectors with the default
// prometheus registry. Safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(ExecutionCounter)
		prometheus.MustRegister(ExecutionDurationHistogram)
		prometheus.MustRegister(LiveExecutionGauge)
		prometheus.MustRegister(StmtReuseCounter)
		prometheus.MustRegister(WorkerQueueGauge)
	})
}
