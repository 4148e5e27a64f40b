package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/logging"
	"simpleye/metrics"
)

// State of a recorder session.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionOptions are shared by all sessions of a manager.
type SessionOptions struct {
	Store   *bucket.Store
	Encoder Encoder
	Clock   Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	StartTimeout time.Duration // first output must appear within this
	StopGrace    time.Duration // encoder flush on rotation and stop
	RestartBase  time.Duration
	RestartMax   time.Duration
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	o.Logger = logging.OrNop(o.Logger)
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
	if o.RestartBase <= 0 {
		o.RestartBase = 2 * time.Second
	}
	if o.RestartMax < o.RestartBase {
		o.RestartMax = 30 * time.Second
		if o.RestartMax < o.RestartBase {
			o.RestartMax = o.RestartBase
		}
	}
	return o
}

// Status is a snapshot of a session.
type Status struct {
	CameraID  string               `json:"cameraId"`
	Mode      config.RecordingMode `json:"mode"`
	State     State                `json:"state"`
	Bucket    string               `json:"bucket,omitempty"`
	Restarts  int                  `json:"restarts"`
	LastError string               `json:"lastError,omitempty"`
	Since     time.Time            `json:"since"`
}

// Session records one camera. At most one encoder runs per session, and a
// new bucket is only started after the previous encoder has exited, so a
// bucket never has two writers.
type Session struct {
	cam  config.CameraConfig
	opts SessionOptions
	log  *zap.Logger

	mu       sync.Mutex
	state    State
	since    time.Time
	open     bucket.Key
	restarts int
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSession returns a stopped session for cam.
func NewSession(cam config.CameraConfig, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	return &Session{
		cam:   cam,
		opts:  opts,
		log:   opts.Logger.With(zap.String("camera", cam.ID)),
		since: opts.Clock.Now(),
	}
}

func (s *Session) Camera() config.CameraConfig { return s.cam }

// Start launches the capture loop. The session keeps recording until Stop
// is called or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrSessionActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.setStateLocked(StateStarting)
	go s.run(runCtx, done)
	return nil
}

// Stop ends capture, letting the encoder close the current bucket. It
// returns ctx.Err() if ctx expires before the encoder has exited.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the current run has ended.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		CameraID: s.cam.ID,
		Mode:     s.cam.RecordingMode,
		State:    s.state,
		Restarts: s.restarts,
		Since:    s.since,
	}
	if k, ok := s.openBucketLocked(); ok {
		st.Bucket = k.String()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// OpenBucket reports the bucket currently being written, if any.
func (s *Session) OpenBucket() (bucket.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openBucketLocked()
}

func (s *Session) openBucketLocked() (bucket.Key, bool) {
	if s.state == StateStopped {
		return bucket.Key{}, false
	}
	// JPEG frames land in the bucket of their capture time.
	if s.cam.RecordingMode == config.ModeJPEG {
		return bucket.KeyFor(s.cam.ID, s.opts.Clock.Now()), true
	}
	if s.open.IsZero() {
		return bucket.Key{}, false
	}
	return s.open, true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(st)
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	s.since = s.opts.Clock.Now()
	s.opts.Metrics.SetRecorderState(s.cam.ID, int(st))
}

func (s *Session) setOpen(k bucket.Key) {
	s.mu.Lock()
	s.open = k
	s.mu.Unlock()
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.setStateLocked(StateStopped)
		s.open = bucket.Key{}
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		close(done)
		s.log.Info("recorder stopped")
	}()

	s.checkTruncated()

	failures := 0
	for ctx.Err() == nil {
		key := bucket.KeyFor(s.cam.ID, s.opts.Clock.Now())
		running, err := s.capture(ctx, key)
		if ctx.Err() != nil {
			return
		}
		if running {
			failures = 0
		}
		if err == nil {
			continue
		}

		delay := s.backoff(failures)
		failures++
		s.mu.Lock()
		s.restarts++
		s.lastErr = err
		s.setStateLocked(StateRestarting)
		s.mu.Unlock()
		s.opts.Metrics.RecordRestart(s.cam.ID)
		s.log.Warn("encoder failed, restarting",
			zap.Error(err),
			zap.Int("attempt", failures),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-s.opts.Clock.After(delay):
		}
		s.setState(StateStarting)
	}
}

// capture runs one encoder for one bucket. It returns nil when the bucket
// was closed at its minute boundary. running reports whether the encoder
// produced output.
func (s *Session) capture(ctx context.Context, key bucket.Key) (running bool, err error) {
	dir, err := s.opts.Store.Ensure(key)
	if err != nil {
		return false, err
	}
	job := Job{Camera: s.cam, Bucket: key, Dir: dir}
	if s.cam.RecordingMode != config.ModeJPEG {
		job.StartNumber = s.nextChunk(key)
	}

	proc, err := s.opts.Encoder.Start(ctx, job)
	if err != nil {
		return false, &EncoderUnavailableError{CameraID: s.cam.ID, Err: err}
	}
	s.setOpen(key)
	defer s.setOpen(bucket.Key{})
	s.log.Debug("encoder started", zap.String("bucket", key.String()), zap.Int("start_number", job.StartNumber))

	var rotate <-chan time.Time
	if s.cam.RecordingMode != config.ModeJPEG {
		rotate = s.opts.Clock.After(key.End().Sub(s.opts.Clock.Now()))
	}
	deadline := s.opts.Clock.After(s.opts.StartTimeout)
	ready := proc.Ready()

	for {
		select {
		case <-ready:
			ready, deadline = nil, nil
			running = true
			if s.State() != StateRunning {
				s.setState(StateRunning)
				s.log.Info("recording", zap.String("bucket", key.String()))
			}
		case <-deadline:
			s.halt(proc, key)
			return running, fmt.Errorf("%w within %s", ErrNoOutput, s.opts.StartTimeout)
		case <-proc.Done():
			if perr := proc.Err(); perr != nil {
				return running, fmt.Errorf("%w: %v", ErrUnexpectedExit, perr)
			}
			return running, ErrUnexpectedExit
		case <-rotate:
			s.halt(proc, key)
			s.opts.Metrics.RecordRotation(s.cam.ID)
			return running, nil
		case <-ctx.Done():
			s.halt(proc, key)
			return running, ctx.Err()
		}
	}
}

// halt stops the encoder and waits for it to flush the bucket.
func (s *Session) halt(proc Process, key bucket.Key) {
	if err := proc.Stop(s.opts.StopGrace); err != nil {
		s.log.Warn("encoder stop", zap.String("bucket", key.String()), zap.Error(err))
	}
}

// nextChunk returns the chunk number after the highest one in the bucket.
func (s *Session) nextChunk(key bucket.Key) int {
	entries, err := s.opts.Store.Entries(key)
	if err != nil {
		return 0
	}
	next := 0
	for _, e := range entries {
		if n, ok := ParseChunkNumber(e.Name()); ok && n >= next {
			next = n + 1
		}
	}
	return next
}

// backoff is base*2^failures capped at max, with +-25% jitter.
func (s *Session) backoff(failures int) time.Duration {
	return backoffDelay(s.opts.RestartBase, s.opts.RestartMax, failures, rand.Float64())
}

func backoffDelay(base, max time.Duration, failures int, r float64) time.Duration {
	delay := base
	for i := 0; i < failures && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	jitter := time.Duration(float64(delay) * 0.25)
	delay += time.Duration(float64(jitter) * (2*r - 1))
	if delay < base {
		delay = base
	}
	return delay
}

// checkTruncated logs a previous HLS bucket whose playlist was never closed,
// which happens after a hard shutdown. The bucket is kept as is; readers
// skip chunks that were not completely written.
func (s *Session) checkTruncated() {
	if s.cam.RecordingMode == config.ModeJPEG {
		return
	}
	latest, ok, err := s.opts.Store.Latest(s.cam.ID)
	if err != nil || !ok {
		return
	}
	if !latest.Start().Before(bucket.KeyFor(s.cam.ID, s.opts.Clock.Now()).Start()) {
		return
	}
	data, err := os.ReadFile(filepath.Join(s.opts.Store.Dir(latest), ManifestName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("read last manifest", zap.String("bucket", latest.String()), zap.Error(err))
		}
		return
	}
	if !bytes.Contains(data, []byte("#EXT-X-ENDLIST")) {
		s.opts.Metrics.RecordTruncatedBucket(s.cam.ID)
		s.log.Warn("previous bucket was not closed cleanly", zap.String("bucket", latest.String()))
	}
}
