package recording

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"simpleye/bucket"
	"simpleye/config"
)

// CameraSource supplies the current camera configuration.
type CameraSource interface {
	GetCameras() ([]config.CameraConfig, error)
}

// RecordingManager owns one Session per recordable camera and keeps that
// set in line with the camera configuration.
type RecordingManager struct {
	opts SessionOptions
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRecordingManager creates a manager with no sessions.
func NewRecordingManager(opts SessionOptions) *RecordingManager {
	opts = opts.withDefaults()
	return &RecordingManager{
		opts:     opts,
		log:      opts.Logger.Named("recorder"),
		sessions: make(map[string]*Session),
	}
}

// Run syncs with source every interval until ctx is done, then stops all
// sessions.
func (rm *RecordingManager) Run(ctx context.Context, source CameraSource, interval time.Duration) error {
	rm.syncFrom(ctx, source)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), rm.opts.StopGrace+5*time.Second)
			defer cancel()
			return rm.StopAll(stopCtx)
		case <-ticker.C:
			rm.syncFrom(ctx, source)
		}
	}
}

func (rm *RecordingManager) syncFrom(ctx context.Context, source CameraSource) {
	cams, err := source.GetCameras()
	if err != nil {
		rm.log.Error("load cameras", zap.Error(err))
		return
	}
	rm.Sync(ctx, cams)
}

// Sync starts sessions for recordable cameras, stops sessions of cameras
// that were removed or disabled, and restarts sessions whose capture
// settings changed. New sessions run until ctx is done.
func (rm *RecordingManager) Sync(ctx context.Context, cams []config.CameraConfig) {
	want := make(map[string]config.CameraConfig, len(cams))
	for _, c := range cams {
		c = c.Normalize()
		if c.Recordable() {
			want[c.ID] = c
		}
	}

	var stale []*Session
	rm.mu.Lock()
	for id, s := range rm.sessions {
		c, ok := want[id]
		if ok && sameCapture(c, s.Camera()) {
			delete(want, id)
			continue
		}
		stale = append(stale, s)
		delete(rm.sessions, id)
	}
	rm.mu.Unlock()

	// Old sessions must be gone before a replacement writes to the camera.
	rm.stopSessions(stale)

	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := NewSession(want[id], rm.opts)
		if err := s.Start(ctx); err != nil {
			rm.log.Error("start session", zap.String("camera", id), zap.Error(err))
			continue
		}
		rm.mu.Lock()
		rm.sessions[id] = s
		rm.mu.Unlock()
		rm.log.Info("session started", zap.String("camera", id), zap.String("mode", string(want[id].RecordingMode)))
	}
}

func (rm *RecordingManager) stopSessions(sessions []*Session) error {
	if len(sessions) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), rm.opts.StopGrace+5*time.Second)
	defer cancel()
	return rm.stopAllWithin(ctx, sessions)
}

func (rm *RecordingManager) stopAllWithin(ctx context.Context, sessions []*Session) error {
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			err := s.Stop(ctx)
			if err != nil {
				rm.log.Warn("session did not stop in time", zap.String("camera", s.Camera().ID), zap.Error(err))
			} else {
				rm.log.Info("session stopped", zap.String("camera", s.Camera().ID))
			}
			rm.opts.Metrics.ForgetCamera(s.Camera().ID)
			return err
		})
	}
	return g.Wait()
}

// StopAll stops every session in parallel.
func (rm *RecordingManager) StopAll(ctx context.Context) error {
	rm.mu.Lock()
	sessions := make([]*Session, 0, len(rm.sessions))
	for id, s := range rm.sessions {
		sessions = append(sessions, s)
		delete(rm.sessions, id)
	}
	rm.mu.Unlock()
	return rm.stopAllWithin(ctx, sessions)
}

// Session returns the session of a camera.
func (rm *RecordingManager) Session(cameraID string) (*Session, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	s, ok := rm.sessions[cameraID]
	return s, ok
}

// Status lists all sessions ordered by camera id.
func (rm *RecordingManager) Status() []Status {
	rm.mu.Lock()
	sessions := make([]*Session, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		sessions = append(sessions, s)
	}
	rm.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// OpenBucket reports the bucket a camera is writing right now.
func (rm *RecordingManager) OpenBucket(cameraID string) (bucket.Key, bool) {
	s, ok := rm.Session(cameraID)
	if !ok {
		return bucket.Key{}, false
	}
	return s.OpenBucket()
}

// sameCapture compares the settings that affect a running encoder.
func sameCapture(a, b config.CameraConfig) bool {
	a.Name, b.Name = "", ""
	a.RetentionHours, b.RetentionHours = 0, 0
	return a == b
}
