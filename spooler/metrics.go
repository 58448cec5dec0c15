package spooler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the ingestion pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Outcomes            *prometheus.CounterVec // doc_spooler_files_total{source,outcome}
	RemoteScans         *prometheus.CounterVec // doc_spooler_remote_scans_total{phase,result}
	RaceInconsistencies prometheus.Counter     // doc_spooler_race_inconsistencies_total
	SyncedRecords       prometheus.Counter     // doc_spooler_synced_records_total
	CacheRecords        prometheus.Gauge       // doc_spooler_cache_records
	CreateDuration      prometheus.Histogram   // doc_spooler_create_duration_seconds
}

func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)
	return &Metrics{
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_spooler_files_total",
			Help: "Files seen by the dedup coordinator by source and outcome",
		}, []string{"source", "outcome"}),

		RemoteScans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "doc_spooler_remote_scans_total",
			Help: "Remote duplicate scans by phase (check, verify) and result (hit, miss, error)",
		}, []string{"phase", "result"}),

		RaceInconsistencies: f.NewCounter(prometheus.CounterOpts{
			Name: "doc_spooler_race_inconsistencies_total",
			Help: "Documents found stored twice right after creation",
		}),

		SyncedRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "doc_spooler_synced_records_total",
			Help: "Cache records backfilled from the remote store",
		}),

		CacheRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "doc_spooler_cache_records",
			Help: "Records currently held in the hash cache",
		}),

		CreateDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "doc_spooler_create_duration_seconds",
			Help:    "Remote document creation latency",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) outcome(source, outcome string) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.Outcomes.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) remoteScan(phase, result string) {
	if m == nil {
		return
	}
	m.RemoteScans.WithLabelValues(phase, result).Inc()
}

func (m *Metrics) raceInconsistency() {
	if m == nil {
		return
	}
	m.RaceInconsistencies.Inc()
}

func (m *Metrics) synced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncedRecords.Add(float64(n))
}

func (m *Metrics) cacheSize(n int64) {
	if m == nil {
		return
	}
	m.CacheRecords.Set(float64(n))
}

func (m *Metrics) createTook(d time.Duration) {
	if m == nil {
		return
	}
	m.CreateDuration.Observe(d.Seconds())
}
