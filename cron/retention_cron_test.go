package cron

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/metrics"
)

type cameraList []config.CameraConfig

func (l cameraList) GetCameras() ([]config.CameraConfig, error) { return l, nil }

type openMap map[string]bucket.Key

func (m openMap) OpenBucket(id string) (bucket.Key, bool) {
	k, ok := m[id]
	return k, ok
}

var now = time.Date(2024, 3, 10, 12, 0, 30, 0, time.UTC)

func seed(t *testing.T, s *bucket.Store, cam string, at time.Time) bucket.Key {
	t.Helper()
	k := bucket.KeyFor(cam, at)
	require.NoError(t, s.Write(k, "index0.ts", []byte("ts")))
	return k
}

func newJanitor(t *testing.T, s *bucket.Store, cams cameraList, open OpenBuckets, m *metrics.Metrics) *RetentionCron {
	return NewRetentionCron(s, cams, open, RetentionOptions{
		Schedule: "@every 1h",
		Logger:   zaptest.NewLogger(t),
		Metrics:  m,
		Now:      func() time.Time { return now },
	})
}

func TestRetentionDeletesExpiredBuckets(t *testing.T) {
	store := bucket.NewStore(t.TempDir())
	cam := config.CameraConfig{ID: "gate", RetentionHours: 24}.Normalize()
	m := metrics.New(prometheus.NewRegistry())

	old := seed(t, store, "gate", now.Add(-25*time.Hour))
	fresh := seed(t, store, "gate", now.Add(-23*time.Hour))
	current := seed(t, store, "gate", now)
	// Ends exactly at the cutoff minute start, so it is fully expired.
	edge := seed(t, store, "gate", now.Add(-24*time.Hour).Add(-time.Minute))
	// Straddles the cutoff and must be kept.
	straddle := seed(t, store, "gate", now.Add(-24*time.Hour))

	stats := newJanitor(t, store, cameraList{cam}, nil, m).RunOnce(context.Background())

	assert.Equal(t, 2, stats.Deleted)
	assert.Zero(t, stats.Failed)
	assert.NoDirExists(t, store.Dir(old))
	assert.NoDirExists(t, store.Dir(edge))
	assert.DirExists(t, store.Dir(fresh))
	assert.DirExists(t, store.Dir(current))
	assert.DirExists(t, store.Dir(straddle))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JanitorDeletedTotal.WithLabelValues("gate")))
}

func TestRetentionIsPerCamera(t *testing.T) {
	store := bucket.NewStore(t.TempDir())
	short := config.CameraConfig{ID: "short", RetentionHours: 1}.Normalize()
	long := config.CameraConfig{ID: "long", RetentionHours: 48}.Normalize()

	a := seed(t, store, "short", now.Add(-2*time.Hour))
	b := seed(t, store, "long", now.Add(-2*time.Hour))
	c := seed(t, store, "long", now.Add(-49*time.Hour))

	stats := newJanitor(t, store, cameraList{short, long}, nil, nil).RunOnce(context.Background())
	assert.Equal(t, 2, stats.Deleted)
	assert.NoDirExists(t, store.Dir(a))
	assert.DirExists(t, store.Dir(b))
	assert.NoDirExists(t, store.Dir(c))
}

func TestRetentionSweepsUnconfiguredCameras(t *testing.T) {
	store := bucket.NewStore(t.TempDir())
	gone := seed(t, store, "removed", now.Add(-30*time.Hour))
	kept := seed(t, store, "removed", now.Add(-2*time.Hour))

	stats := newJanitor(t, store, nil, nil, nil).RunOnce(context.Background())
	assert.Equal(t, 1, stats.Cameras)
	assert.NoDirExists(t, store.Dir(gone))
	assert.DirExists(t, store.Dir(kept))
}

func TestRetentionSkipsOpenBucket(t *testing.T) {
	store := bucket.NewStore(t.TempDir())
	cam := config.CameraConfig{ID: "gate", RetentionHours: 1}.Normalize()
	m := metrics.New(prometheus.NewRegistry())
	stuck := seed(t, store, "gate", now.Add(-3*time.Hour))
	old := seed(t, store, "gate", now.Add(-4*time.Hour))

	stats := newJanitor(t, store, cameraList{cam}, openMap{"gate": stuck}, m).RunOnce(context.Background())
	assert.Equal(t, 1, stats.Deleted)
	assert.Equal(t, 1, stats.Skipped)
	assert.DirExists(t, store.Dir(stuck))
	assert.NoDirExists(t, store.Dir(old))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JanitorSkippedTotal.WithLabelValues("gate")))
	assert.Zero(t, testutil.ToFloat64(m.JanitorFailuresTotal.WithLabelValues("gate")), "a skip is not a failure")
}

func TestRetentionLeavesForeignFiles(t *testing.T) {
	root := t.TempDir()
	store := bucket.NewStore(root)
	cam := config.CameraConfig{ID: "gate", RetentionHours: 1}.Normalize()
	old := seed(t, store, "gate", now.Add(-3*time.Hour))
	notes := filepath.Join(root, "gate", "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("x"), 0o644))

	newJanitor(t, store, cameraList{cam}, nil, nil).RunOnce(context.Background())
	assert.NoDirExists(t, store.Dir(old))
	assert.FileExists(t, notes)
}

func TestRetentionStopsOnCancel(t *testing.T) {
	store := bucket.NewStore(t.TempDir())
	cam := config.CameraConfig{ID: "gate", RetentionHours: 1}.Normalize()
	old := seed(t, store, "gate", now.Add(-3*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := newJanitor(t, store, cameraList{cam}, nil, nil).RunOnce(ctx)
	assert.Zero(t, stats.Deleted)
	assert.DirExists(t, store.Dir(old))
}

func TestRetentionCronStartRunsImmediately(t *testing.T) {
	store := bucket.NewStore(t.TempDir())
	cam := config.CameraConfig{ID: "gate", RetentionHours: 1}.Normalize()
	old := seed(t, store, "gate", now.Add(-3*time.Hour))

	rc := newJanitor(t, store, cameraList{cam}, nil, nil)
	require.NoError(t, rc.Start())
	require.NoError(t, rc.Start(), "second start is a no-op")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(store.Dir(old))
		return os.IsNotExist(err)
	}, 2*time.Second, 10*time.Millisecond)
	rc.Stop()
	rc.Stop()
}

type gatedCameras struct {
	calls   atomic.Int32
	release chan struct{}
}

func (g *gatedCameras) GetCameras() ([]config.CameraConfig, error) {
	g.calls.Add(1)
	<-g.release
	return nil, nil
}

func TestRetentionCronFirstPassBlocksScheduledRun(t *testing.T) {
	cams := &gatedCameras{release: make(chan struct{})}
	rc := NewRetentionCron(bucket.NewStore(t.TempDir()), cams, nil, RetentionOptions{
		Schedule: "@every 1s",
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, rc.Start())
	require.Eventually(t, func() bool { return cams.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The scheduled tick lands while the first pass is still running.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(1), cams.calls.Load())

	close(cams.release)
	rc.Stop()
}

func TestRetentionCronRejectsBadSchedule(t *testing.T) {
	rc := NewRetentionCron(bucket.NewStore(t.TempDir()), cameraList{}, nil, RetentionOptions{Schedule: "every now and then"})
	assert.Error(t, rc.Start())
}
