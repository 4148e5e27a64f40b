package cron

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/logging"
	"simpleye/metrics"
)

// ErrDeleteRace is logged when retention reaches a bucket that is still
// being written. The bucket is left alone.
var ErrDeleteRace = errors.New("retention: bucket is still being written")

// CameraSource supplies per-camera retention settings.
type CameraSource interface {
	GetCameras() ([]config.CameraConfig, error)
}

// OpenBuckets reports the bucket a camera's recorder is writing.
type OpenBuckets interface {
	OpenBucket(cameraID string) (bucket.Key, bool)
}

// RetentionOptions configure a RetentionCron.
type RetentionOptions struct {
	Schedule string // cron expression, "@every 5m" by default
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// RetentionStats summarises one pass.
type RetentionStats struct {
	Cameras  int
	Scanned  int
	Deleted  int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// RetentionCron deletes recording buckets older than each camera's
// retention window. Clips live outside the recordings store and are never
// touched.
type RetentionCron struct {
	store    *bucket.Store
	cameras  CameraSource
	open     OpenBuckets
	schedule string
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	cron      *cron.Cron
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
}

// NewRetentionCron creates a retention job. open may be nil when no
// recorder runs in this process.
func NewRetentionCron(store *bucket.Store, cameras CameraSource, open OpenBuckets, opts RetentionOptions) *RetentionCron {
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &RetentionCron{
		store:    store,
		cameras:  cameras,
		open:     open,
		schedule: opts.Schedule,
		now:      opts.Now,
		log:      logging.OrNop(opts.Logger).Named("janitor"),
		metrics:  opts.Metrics,
	}
}

// Start runs one pass right away and then on the schedule.
func (rc *RetentionCron) Start() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.isRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cl := logging.CronLogger{L: rc.log}
	c := cron.New(cron.WithLogger(cl))
	// One wrapped job serves the first pass and the schedule, so they never overlap.
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(cron.FuncJob(func() { rc.RunOnce(ctx) }))
	if _, err := c.AddJob(rc.schedule, job); err != nil {
		cancel()
		return err
	}

	rc.cron, rc.cancel, rc.isRunning = c, cancel, true
	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		job.Run()
	}()
	c.Start()
	rc.log.Info("retention cron started", zap.String("schedule", rc.schedule))
	return nil
}

// Stop interrupts a running pass between buckets and waits for it.
func (rc *RetentionCron) Stop() {
	rc.mu.Lock()
	if !rc.isRunning {
		rc.mu.Unlock()
		return
	}
	rc.isRunning = false
	c, cancel := rc.cron, rc.cancel
	rc.mu.Unlock()

	cancel()
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-time.After(30 * time.Second):
		rc.log.Warn("retention cron stop timed out")
	}
	rc.wg.Wait()
	rc.log.Info("retention cron stopped")
}

// RunOnce sweeps every configured camera and any camera directory left
// without configuration, which falls back to the default retention.
func (rc *RetentionCron) RunOnce(ctx context.Context) RetentionStats {
	start := time.Now()
	var stats RetentionStats
	now := rc.now().UTC()

	cams, err := rc.cameras.GetCameras()
	if err != nil {
		rc.log.Error("load cameras", zap.Error(err))
		return stats
	}
	known := make(map[string]bool, len(cams))
	for _, c := range cams {
		known[c.ID] = true
	}
	onDisk, err := rc.store.Cameras()
	if err != nil {
		rc.log.Warn("list camera directories", zap.Error(err))
	}
	for _, id := range onDisk {
		if !known[id] {
			cams = append(cams, config.CameraConfig{ID: id}.Normalize())
		}
	}

	for _, cam := range cams {
		if ctx.Err() != nil {
			break
		}
		stats.Cameras++
		rc.sweep(ctx, cam, now, &stats)
	}

	stats.Duration = time.Since(start)
	rc.metrics.ObserveJanitorRun(stats.Duration)
	if stats.Deleted > 0 || stats.Failed > 0 || stats.Skipped > 0 {
		rc.log.Info("retention pass finished",
			zap.Int("cameras", stats.Cameras),
			zap.Int("deleted", stats.Deleted),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
			zap.Duration("took", stats.Duration))
	}
	return stats
}

func (rc *RetentionCron) sweep(ctx context.Context, cam config.CameraConfig, now time.Time, stats *RetentionStats) {
	retention := cam.Retention()
	if retention <= 0 {
		retention = config.DefaultRetentionHours * time.Hour
	}
	cutoff := now.Add(-retention)
	log := rc.log.With(zap.String("camera", cam.ID))

	keys, err := rc.store.List(cam.ID, time.Time{}, cutoff)
	if err != nil {
		log.Error("list buckets", zap.Error(err))
		return
	}

	current := bucket.KeyFor(cam.ID, now)
	var open bucket.Key
	hasOpen := false
	if rc.open != nil {
		open, hasOpen = rc.open.OpenBucket(cam.ID)
	}

	for _, k := range keys {
		if ctx.Err() != nil {
			return
		}
		stats.Scanned++
		// Listing is inclusive, the last bucket may still reach into the window.
		if k.End().After(cutoff) {
			continue
		}
		if (hasOpen && k.Equal(open)) || !k.Start().Before(current.Start()) {
			stats.Skipped++
			rc.metrics.RecordOpenBucketSkipped(cam.ID)
			log.Warn("skipping bucket", zap.String("bucket", k.String()), zap.Error(ErrDeleteRace))
			continue
		}
		if err := rc.store.Delete(k); err != nil {
			stats.Failed++
			rc.metrics.RecordDeleteFailure(cam.ID)
			log.Error("delete bucket", zap.String("bucket", k.String()), zap.Error(err))
			continue
		}
		stats.Deleted++
		rc.metrics.RecordBucketDeleted(cam.ID)
		log.Debug("deleted bucket", zap.String("bucket", k.String()))
	}
}
