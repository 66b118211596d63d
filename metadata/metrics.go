// metrics.go — Prometheus-метрики Metadata Module.
package metadata

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// opsTotal — количество операций CRUD-движка по операциям и результату.
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_operations_total",
		Help: "Общее количество операций Metadata Module",
	}, []string{"operation", "status"})

	// opDurationSeconds — длительность операций CRUD-движка.
	opDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mm_operation_duration_seconds",
		Help:    "Длительность операций Metadata Module в секундах",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	// conflictRetriesTotal — количество повторов безусловных записей после конфликта.
	conflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_conflict_retries_total",
		Help: "Общее количество повторов записей после конфликта etag/уникальности",
	})

	// deleteLogRecordsTotal — количество записей, направленных в delete log.
	deleteLogRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_delete_log_records_total",
		Help: "Общее количество записей вытесненного содержимого",
	}, []string{"queue"})

	// initAttemptsTotal — количество попыток инициализации подключения.
	initAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mm_init_attempts_total",
		Help: "Общее количество попыток инициализации подключения",
	})

	// initFailuresTotal — количество неудачных попыток инициализации.
	initFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mm_init_failures_total",
		Help: "Общее количество неудачных попыток инициализации по фазам",
	}, []string{"phase"})
)

// observeOp фиксирует результат операции в метриках.
func observeOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	opsTotal.WithLabelValues(op, status).Inc()
	opDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
