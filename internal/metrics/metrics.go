// Package metrics exposes prometheus collectors for the storage core.
// Registration is left to the embedding process (Register or a custom
// registry); the core never starts an HTTP listener itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Storage core
	IndexReads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_index_reads_total",
		Help: "Total memory index read operations",
	})
	IndexWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_index_writes_total",
		Help: "Total memory index write operations",
	})
	IndexEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_index_entries",
		Help: "Live entries in the memory index",
	})
	ExpiredEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_expired_evicted_total",
		Help: "Entries removed by TTL sweeps",
	})

	// WAL
	WALCurrentLSN = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_wal_current_lsn",
		Help: "Last assigned log sequence number",
	})
	WALSegmentRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_wal_segment_rotations_total",
		Help: "WAL segment rotations",
	})

	// Buffer pool
	BufferPoolPages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_buffer_pool_pages",
		Help: "Pages currently cached",
	})
	BufferPoolEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_buffer_pool_evictions_total",
		Help: "Pages evicted by the clock sweep",
	})

	// Connection pool
	PoolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drift_pool_connections",
		Help: "Pooled sessions by state",
	}, []string{"state"})
	PoolCircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_pool_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	// Background tasks: repeated failures must raise a metric but never
	// take down foreground traffic.
	BackgroundFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_background_failures_total",
		Help: "Background job failures by job name",
	}, []string{"job"})
)

// Register registers every collector with the given registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		IndexReads,
		IndexWrites,
		IndexEntries,
		ExpiredEvicted,
		WALCurrentLSN,
		WALSegmentRotations,
		BufferPoolPages,
		BufferPoolEvictions,
		PoolConnections,
		PoolCircuitState,
		BackgroundFailures,
	)
}
