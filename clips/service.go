// Package clips cuts time ranges out of the recordings into standalone MP4
// files and keeps their records. Clips live outside the recordings store
// and are never removed by retention.
package clips

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"simpleye/config"
	"simpleye/database"
	"simpleye/logging"
	"simpleye/metrics"
	"simpleye/timeline"
)

var (
	ErrUnsupportedMode = errors.New("clips: camera does not record HLS")
	ErrInvalidRange    = errors.New("clips: end must be after start")
	ErrNoSegments      = errors.New("clips: no recordings in range")
	ErrEmptyName       = errors.New("clips: name must not be empty")
	ErrRemuxFailure    = errors.New("clips: remux failed")
)

// RemuxError wraps the cause of a failed remux. It matches ErrRemuxFailure.
type RemuxError struct {
	CameraID string
	Err      error
}

func (e *RemuxError) Error() string {
	return fmt.Sprintf("remux clip of %s: %v", e.CameraID, e.Err)
}

func (e *RemuxError) Unwrap() error { return e.Err }

func (e *RemuxError) Is(target error) bool { return target == ErrRemuxFailure }

// SegmentSource returns the ordered segments of a range.
type SegmentSource interface {
	Segments(ctx context.Context, cameraID string, from, to time.Time, mode config.RecordingMode) ([]timeline.Segment, error)
}

// CameraSource resolves camera settings.
type CameraSource interface {
	GetCamera(id string) (config.CameraConfig, error)
}

// Archiver copies finished clips to remote storage.
type Archiver interface {
	UploadFile(ctx context.Context, localPath, remotePath string) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// CreateRequest asks for a clip of [Start, End]. Segments cut by either
// boundary are included whole.
type CreateRequest struct {
	CameraID string    `json:"cameraId"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Name     string    `json:"name"`
	Creator  string    `json:"creator"`
}

type Options struct {
	Dir         string
	Concurrency int
	Archiver    Archiver // optional
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Service manages the clip lifecycle.
type Service struct {
	db       database.Database
	cameras  CameraSource
	segments SegmentSource
	remuxer  Remuxer
	archiver Archiver
	dir      string
	sem      *semaphore.Weighted
	now      func() time.Time
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewService(db database.Database, cameras CameraSource, segments SegmentSource, remuxer Remuxer, opts Options) *Service {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		db:       db,
		cameras:  cameras,
		segments: segments,
		remuxer:  remuxer,
		archiver: opts.Archiver,
		dir:      opts.Dir,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		now:      opts.Now,
		log:      logging.OrNop(opts.Logger).Named("clips"),
		metrics:  opts.Metrics,
	}
}

// Create remuxes the segments of the range into a new clip. The record is
// stored only after the output file is complete; on failure nothing is
// left behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*database.Clip, error) {
	if req.Start.IsZero() || !req.End.After(req.Start) {
		return nil, ErrInvalidRange
	}
	cam, err := s.cameras.GetCamera(req.CameraID)
	if err != nil {
		return nil, err
	}
	if cam.RecordingMode != config.ModeHLS {
		s.metrics.RecordClip("unsupported", 0)
		return nil, ErrUnsupportedMode
	}

	segs, err := s.segments.Segments(ctx, cam.ID, req.Start, req.End, config.ModeHLS)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		s.metrics.RecordClip("empty", 0)
		return nil, ErrNoSegments
	}
	inputs := make([]string, len(segs))
	for i, seg := range segs {
		inputs[i] = seg.Path
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	id := uuid.NewString()
	dir := filepath.Join(s.dir, cam.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create clip directory: %w", err)
	}
	final := filepath.Join(dir, id+".mp4")
	part := final + ".part"

	started := time.Now()
	size, err := s.remux(ctx, inputs, part)
	took := time.Since(started)
	if err != nil {
		os.Remove(part)
		s.metrics.RecordClip("remux_failed", took)
		s.log.Error("remux failed", zap.String("camera", cam.ID), zap.Int("segments", len(segs)), zap.Error(err))
		return nil, &RemuxError{CameraID: cam.ID, Err: err}
	}
	if err := os.Rename(part, final); err != nil {
		os.Remove(part)
		return nil, fmt.Errorf("finalize clip: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s", cam.Name, req.Start.UTC().Format(time.RFC3339))
	}
	clip := database.Clip{
		ID:        id,
		CameraID:  cam.ID,
		Name:      name,
		Creator:   req.Creator,
		Start:     req.Start.UTC(),
		End:       req.End.UTC(),
		FilePath:  final,
		Size:      size,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.CreateClip(clip); err != nil {
		os.Remove(final)
		return nil, fmt.Errorf("save clip: %w", err)
	}
	s.metrics.RecordClip("ok", took)
	s.log.Info("clip created",
		zap.String("id", id),
		zap.String("camera", cam.ID),
		zap.Int("segments", len(segs)),
		zap.Int64("bytes", size),
		zap.Duration("took", took))

	s.archive(ctx, &clip)
	return &clip, nil
}

func (s *Service) remux(ctx context.Context, inputs []string, output string) (int64, error) {
	if err := s.remuxer.Remux(ctx, inputs, output); err != nil {
		return 0, err
	}
	info, err := os.Stat(output)
	if err != nil {
		return 0, err
	}
	if info.Size() == 0 {
		return 0, errors.New("empty output")
	}
	return info.Size(), nil
}

// archive uploads a clip when an archiver is configured. Failures leave the
// local clip in place.
func (s *Service) archive(ctx context.Context, clip *database.Clip) {
	if s.archiver == nil {
		return
	}
	key := fmt.Sprintf("clips/%s/%s.mp4", clip.CameraID, clip.ID)
	url, err := s.archiver.UploadFile(ctx, clip.FilePath, key)
	if err != nil {
		s.log.Warn("archive clip", zap.String("id", clip.ID), zap.Error(err))
		return
	}
	if err := s.db.UpdateClipRemote(clip.ID, key, url); err != nil {
		s.log.Warn("store archive location", zap.String("id", clip.ID), zap.Error(err))
		return
	}
	clip.RemotePath, clip.RemoteURL = key, url
}

func (s *Service) Get(_ context.Context, id string) (*database.Clip, error) {
	return s.db.GetClip(id)
}

// List returns the clips of a camera, or all clips for an empty id.
func (s *Service) List(_ context.Context, cameraID string) ([]database.Clip, error) {
	return s.db.ListClips(cameraID)
}

// Rename changes only the name of a clip.
func (s *Service) Rename(_ context.Context, id, name string) (*database.Clip, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyName
	}
	if err := s.db.RenameClip(id, name); err != nil {
		return nil, err
	}
	return s.db.GetClip(id)
}

// Delete removes the clip file, its archived copy and its record. Deleting
// an unknown clip or one whose file is already gone succeeds.
func (s *Service) Delete(ctx context.Context, id string) error {
	clip, err := s.db.GetClip(id)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.Remove(clip.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove clip file: %w", err)
	}
	if clip.RemotePath != "" && s.archiver != nil {
		if err := s.archiver.DeleteObject(ctx, clip.RemotePath); err != nil {
			s.log.Warn("delete archived clip", zap.String("id", id), zap.Error(err))
		}
	}
	if err := s.db.DeleteClip(id); err != nil {
		return err
	}
	s.log.Info("clip deleted", zap.String("id", id), zap.String("camera", clip.CameraID))
	return nil
}
