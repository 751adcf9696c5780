package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics registry and the store meters.
type Metrics struct {
	Registry           *prometheus.Registry
	OperationDuration  *prometheus.HistogramVec
	OperationTotal     *prometheus.CounterVec
	OperationsInFlight *prometheus.GaugeVec
	ErrorsTotal        *prometheus.CounterVec

	// ItemsScanned counts items returned by the backing service before the
	// residual filter runs; ItemsFiltered counts those the filter dropped.
	ItemsScanned  *prometheus.CounterVec
	ItemsFiltered *prometheus.CounterVec

	BatchChunks *prometheus.CounterVec
}

// NewMetrics creates a custom Prometheus registry with the arc-nosql metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arc_nosql_operation_duration_seconds",
		Help:    "Duration of store operations in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_nosql_operations_total",
		Help: "Total number of store operations.",
	}, []string{"operation", "status"})

	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arc_nosql_operations_in_flight",
		Help: "Store operations currently executing.",
	}, []string{"operation"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_nosql_errors_total",
		Help: "Total number of failed operations by error kind.",
	}, []string{"operation", "kind"})

	scanned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_nosql_items_scanned_total",
		Help: "Items returned by the table backend before residual filtering.",
	}, []string{"table"})

	filtered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_nosql_items_filtered_total",
		Help: "Items discarded by the residual filter.",
	}, []string{"table"})

	chunks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "arc_nosql_batch_chunks_total",
		Help: "Batch write requests issued, by outcome.",
	}, []string{"table", "status"})

	reg.MustRegister(opDuration, opTotal, inFlight, errorsTotal, scanned, filtered, chunks)

	return &Metrics{
		Registry:           reg,
		OperationDuration:  opDuration,
		OperationTotal:     opTotal,
		OperationsInFlight: inFlight,
		ErrorsTotal:        errorsTotal,
		ItemsScanned:       scanned,
		ItemsFiltered:      filtered,
		BatchChunks:        chunks,
	}
}

// ObserveScan records a fetched page: scanned items and how many the
// residual filter kept.
func (m *Metrics) ObserveScan(table string, scanned, kept int) {
	if m == nil {
		return
	}
	m.ItemsScanned.WithLabelValues(table).Add(float64(scanned))
	if scanned > kept {
		m.ItemsFiltered.WithLabelValues(table).Add(float64(scanned - kept))
	}
}

// ObserveChunk records one batch request.
func (m *Metrics) ObserveChunk(table string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BatchChunks.WithLabelValues(table, status).Inc()
}
