package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetRecorderState("cam", 2)
		m.RecordRestart("cam")
		m.RecordBucketDeleted("cam")
		m.RecordOpenBucketSkipped("cam")
		m.RecordSkippedBuckets(3)
		m.RecordClip("ok", time.Second)
		m.UpdateDisk(50, 1)
	})
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordRestart("cam")
	m.RecordRestart("cam")
	m.RecordBucketDeleted("cam")
	m.RecordOpenBucketSkipped("cam")
	m.RecordSkippedBuckets(2)
	m.RecordDiscontinuities(0)
	m.RecordClip("remux_failed", 0)
	m.SetRecorderState("cam", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecorderRestartsTotal.WithLabelValues("cam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JanitorDeletedTotal.WithLabelValues("cam")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JanitorSkippedTotal.WithLabelValues("cam")))
	assert.Zero(t, testutil.ToFloat64(m.JanitorFailuresTotal.WithLabelValues("cam")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TimelineSkippedBuckets))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PlaylistDiscontinuities))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClipsTotal.WithLabelValues("remux_failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecorderState.WithLabelValues("cam")))
}
