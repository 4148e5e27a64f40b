// Package metrics holds the Prometheus collectors of the recorder. Every
// method is safe on a nil *Metrics so components can run without them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "simpleye"

// Metrics holds all Prometheus metrics for the recording subsystem
type Metrics struct {
	// Recorder sessions
	RecorderState            *prometheus.GaugeVec
	RecorderRestartsTotal    *prometheus.CounterVec
	RecorderRotationsTotal   *prometheus.CounterVec
	RecorderTruncatedBuckets *prometheus.CounterVec

	// Retention
	JanitorDeletedTotal  *prometheus.CounterVec
	JanitorFailuresTotal *prometheus.CounterVec
	JanitorSkippedTotal  *prometheus.CounterVec
	JanitorRunDuration   prometheus.Histogram

	// Readers
	TimelineSkippedBuckets  prometheus.Counter
	PlaylistDiscontinuities prometheus.Counter
	ClipsTotal              *prometheus.CounterVec
	ClipRemuxDuration       prometheus.Histogram

	// System
	DiskUsagePercent  prometheus.Gauge
	DiskFreeBytes     prometheus.Gauge
	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecorderState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "state",
			Help:      "Current session state per camera (0 stopped, 1 starting, 2 running, 3 restarting)",
		}, []string{"camera"}),
		RecorderRestartsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "restarts_total",
			Help:      "Encoder restarts after a crash or failed start",
		}, []string{"camera"}),
		RecorderRotationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "rotations_total",
			Help:      "Minute bucket rotations",
		}, []string{"camera"}),
		RecorderTruncatedBuckets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recorder",
			Name:      "truncated_buckets_total",
			Help:      "Buckets found without a closed manifest at session start",
		}, []string{"camera"}),

		JanitorDeletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "buckets_deleted_total",
			Help:      "Buckets removed by retention",
		}, []string{"camera"}),
		JanitorFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "delete_failures_total",
			Help:      "Bucket deletions that failed",
		}, []string{"camera"}),
		JanitorSkippedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "open_buckets_skipped_total",
			Help:      "Expired buckets left alone because they were still being written",
		}, []string{"camera"}),
		JanitorRunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "janitor",
			Name:      "run_duration_seconds",
			Help:      "Duration of one retention pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),

		TimelineSkippedBuckets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "timeline",
			Name:      "buckets_skipped_total",
			Help:      "Buckets skipped because their contents could not be read",
		}),
		PlaylistDiscontinuities: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playlist",
			Name:      "discontinuities_total",
			Help:      "Discontinuity markers emitted in synthesized playlists",
		}),
		ClipsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clips",
			Name:      "created_total",
			Help:      "Clip creation attempts by result",
		}, []string{"result"}),
		ClipRemuxDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "clips",
			Name:      "remux_duration_seconds",
			Help:      "Time spent remuxing a clip",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "disk_used_percent",
			Help:      "Used space of the recordings filesystem",
		}),
		DiskFreeBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "disk_free_bytes",
			Help:      "Free space of the recordings filesystem",
		}),
		ProcessCPUPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage of this process",
		}),
		ProcessRSSBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_bytes",
			Help:      "Resident memory of this process",
		}),
	}
}

func (m *Metrics) SetRecorderState(camera string, state int) {
	if m == nil {
		return
	}
	m.RecorderState.WithLabelValues(camera).Set(float64(state))
}

func (m *Metrics) ForgetCamera(camera string) {
	if m == nil {
		return
	}
	m.RecorderState.DeleteLabelValues(camera)
}

func (m *Metrics) RecordRestart(camera string) {
	if m == nil {
		return
	}
	m.RecorderRestartsTotal.WithLabelValues(camera).Inc()
}

func (m *Metrics) RecordRotation(camera string) {
	if m == nil {
		return
	}
	m.RecorderRotationsTotal.WithLabelValues(camera).Inc()
}

func (m *Metrics) RecordTruncatedBucket(camera string) {
	if m == nil {
		return
	}
	m.RecorderTruncatedBuckets.WithLabelValues(camera).Inc()
}

func (m *Metrics) RecordBucketDeleted(camera string) {
	if m == nil {
		return
	}
	m.JanitorDeletedTotal.WithLabelValues(camera).Inc()
}

func (m *Metrics) RecordDeleteFailure(camera string) {
	if m == nil {
		return
	}
	m.JanitorFailuresTotal.WithLabelValues(camera).Inc()
}

func (m *Metrics) RecordOpenBucketSkipped(camera string) {
	if m == nil {
		return
	}
	m.JanitorSkippedTotal.WithLabelValues(camera).Inc()
}

func (m *Metrics) ObserveJanitorRun(d time.Duration) {
	if m == nil {
		return
	}
	m.JanitorRunDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordSkippedBuckets(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TimelineSkippedBuckets.Add(float64(n))
}

func (m *Metrics) RecordDiscontinuities(n int) {
	if m == nil || n == 0 {
		return
	}
	m.PlaylistDiscontinuities.Add(float64(n))
}

// RecordClip counts a clip attempt. result is "ok" or a short failure kind.
func (m *Metrics) RecordClip(result string, remux time.Duration) {
	if m == nil {
		return
	}
	m.ClipsTotal.WithLabelValues(result).Inc()
	if remux > 0 {
		m.ClipRemuxDuration.Observe(remux.Seconds())
	}
}

func (m *Metrics) UpdateDisk(usedPercent float64, freeBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usedPercent)
	m.DiskFreeBytes.Set(float64(freeBytes))
}

func (m *Metrics) UpdateProcess(cpuPercent float64, rssBytes uint64) {
	if m == nil {
		return
	}
	m.ProcessCPUPercent.Set(cpuPercent)
	m.ProcessRSSBytes.Set(float64(rssBytes))
}
