package chunklog

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Appends          prometheus.Counter
	BytesWritten     prometheus.Counter
	Syncs            prometheus.Counter
	Checkpoints      prometheus.Counter
	SegmentsCreated  prometheus.Counter
	SegmentsRecycled prometheus.Counter
	SegmentsRemoved  prometheus.Counter
	TornTails        prometheus.Counter
	DiskUsageBytes   prometheus.Gauge
}

// NewMetrics creates the engine's collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Appends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_appends_total",
			Help: "Total number of entries appended to the log",
		}),
		BytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_bytes_written_total",
			Help: "Total framed bytes written to segment files",
		}),
		Syncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_syncs_total",
			Help: "Total number of durability syncs issued",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_checkpoints_total",
			Help: "Total number of completed checkpoints",
		}),
		SegmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_segments_created_total",
			Help: "Total number of segment files created or recycled into service",
		}),
		SegmentsRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_segments_recycled_total",
			Help: "Total number of reclaimed segments kept for reuse",
		}),
		SegmentsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_segments_removed_total",
			Help: "Total number of reclaimed segments deleted",
		}),
		TornTails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chunklog_torn_tails_total",
			Help: "Total number of torn tails discarded during recovery",
		}),
		DiskUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chunklog_disk_usage_bytes",
			Help: "Bytes currently occupied by segment files",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Appends, m.BytesWritten, m.Syncs, m.Checkpoints,
			m.SegmentsCreated, m.SegmentsRecycled, m.SegmentsRemoved,
			m.TornTails, m.DiskUsageBytes,
		)
	}
	return m
}
