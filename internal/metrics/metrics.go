// Package metrics provides Prometheus metrics for indexedcollections
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one engine instance
type Metrics struct {
	Registry *prometheus.Registry

	// gRPC request metrics
	GrpcRequestsTotal    *prometheus.CounterVec
	GrpcRequestDuration  *prometheus.HistogramVec
	GrpcRequestsInFlight prometheus.Gauge

	// Store adapter metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreSizeBytes         prometheus.Gauge

	// Index maintenance metrics
	AttributeWritesTotal     *prometheus.CounterVec
	IndexEntriesWrittenTotal prometheus.Counter
	IndexEntriesDeletedTotal prometheus.Counter
	InconsistentIndexTotal   prometheus.Counter
	MembershipChangesTotal   *prometheus.CounterVec

	// Search metrics
	SearchQueriesTotal *prometheus.CounterVec
	SearchResultsTotal prometheus.Counter

	// Journal metrics
	JournalPendingIntents prometheus.Gauge

	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMetrics creates a registry and registers all metrics on it
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		Registry:        reg,
		ServerStartTime: time.Now(),
		stop:            make(chan struct{}),
	}

	m.GrpcRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexcol_grpc_requests_total",
			Help: "Total number of gRPC requests",
		},
		[]string{"method", "status"},
	)

	m.GrpcRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexcol_grpc_request_duration_seconds",
			Help:    "Duration of gRPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.GrpcRequestsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexcol_grpc_requests_in_flight",
			Help: "Number of gRPC requests currently being processed",
		},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexcol_store_operations_total",
			Help: "Total number of store adapter operations",
		},
		[]string{"operation", "region", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexcol_store_operation_duration_seconds",
			Help:    "Duration of store adapter operations in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation", "region"},
	)

	m.StoreSizeBytes = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexcol_store_size_bytes",
			Help: "Current size of the backing store in bytes",
		},
	)

	m.AttributeWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexcol_attribute_writes_total",
			Help: "Total number of attribute set/remove operations",
		},
		[]string{"operation", "status"},
	)

	m.IndexEntriesWrittenTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "indexcol_index_entries_written_total",
			Help: "Total number of index entries written",
		},
	)

	m.IndexEntriesDeletedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "indexcol_index_entries_deleted_total",
			Help: "Total number of stale index entries deleted",
		},
	)

	m.InconsistentIndexTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "indexcol_inconsistent_index_total",
			Help: "Index entries recorded in the reverse index but missing from the index",
		},
	)

	m.MembershipChangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexcol_membership_changes_total",
			Help: "Total number of collection membership changes",
		},
		[]string{"operation"},
	)

	m.SearchQueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexcol_search_queries_total",
			Help: "Total number of search queries",
		},
		[]string{"kind"},
	)

	m.SearchResultsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "indexcol_search_results_total",
			Help: "Total number of search results returned",
		},
	)

	m.JournalPendingIntents = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexcol_journal_pending_intents",
			Help: "Uncommitted attribute updates found at last recovery",
		},
	)

	m.ServerUptimeSeconds = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "indexcol_server_uptime_seconds",
			Help: "Server uptime in seconds",
		},
	)

	return m
}

// StartUptime periodically updates the uptime gauge until Stop is called
func (m *Metrics) StartUptime(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts background updaters
func (m *Metrics) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// RecordGrpcRequest records a gRPC request with its status
func (m *Metrics) RecordGrpcRequest(method string, status string, duration time.Duration) {
	m.GrpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.GrpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordStoreOperation records a store adapter operation
func (m *Metrics) RecordStoreOperation(operation, region, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, region, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation, region).Observe(duration.Seconds())
}

// RecordAttributeWrite records a set or remove of an attribute
func (m *Metrics) RecordAttributeWrite(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.AttributeWritesTotal.WithLabelValues(operation, status).Inc()
}

// RecordSearch records a search and the number of results it returned
func (m *Metrics) RecordSearch(kind string, results int) {
	m.SearchQueriesTotal.WithLabelValues(kind).Inc()
	m.SearchResultsTotal.Add(float64(results))
}
