// Package playlist stitches per-minute HLS playlists into one media
// playlist over an arbitrary time range.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"go.uber.org/zap"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/database"
	"simpleye/logging"
	"simpleye/metrics"
	"simpleye/timeline"
)

// SequenceBase is the media sequence number of the first entry of every
// synthesized playlist.
const SequenceBase = 1

// Options control Build.
type Options struct {
	// URIPrefix is prepended to the store relative path of every chunk.
	URIPrefix string
	// Nominal is the expected segment length. A gap longer than it between
	// two entries is marked as a discontinuity. When zero the previous
	// entry's duration is used.
	Nominal time.Duration
	// Live produces an EVENT playlist without EXT-X-ENDLIST.
	Live bool
}

// Manifest is a synthesized playlist and the segments it lists.
type Manifest struct {
	Playlist        *m3u8.MediaPlaylist
	Segments        []timeline.Segment
	Discontinuities int
	Live            bool
}

func (m *Manifest) Bytes() []byte { return m.Playlist.Encode().Bytes() }

func (m *Manifest) String() string { return m.Playlist.Encode().String() }

// Build produces a media playlist from segments. Entries are emitted in
// start order with durations copied as is; entries sharing a start time
// with the previous one are dropped.
func Build(segments []timeline.Segment, opts Options) (*Manifest, error) {
	segs := make([]timeline.Segment, 0, len(segments))
	for _, s := range segments {
		if s.Mode == config.ModeHLS || s.Mode == "" {
			segs = append(segs, s)
		}
	}
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start.Before(segs[j].Start) })

	pl, err := m3u8.NewMediaPlaylist(0, uint(max(len(segs), 1)))
	if err != nil {
		return nil, err
	}
	pl.SeqNo = SequenceBase
	pl.MediaType = m3u8.VOD
	if opts.Live {
		pl.MediaType = m3u8.EVENT
	}
	if opts.Nominal > 0 {
		pl.TargetDuration = math.Ceil(opts.Nominal.Seconds())
	}

	m := &Manifest{Playlist: pl, Live: opts.Live}
	var prev *timeline.Segment
	for i := range segs {
		s := segs[i]
		if prev != nil && !s.Start.After(prev.Start) {
			continue
		}
		if err := pl.Append(joinURI(opts.URIPrefix, s.URI), s.Duration.Seconds(), ""); err != nil {
			return nil, fmt.Errorf("append %s: %w", s.URI, err)
		}
		if err := pl.SetProgramDateTime(s.Start); err != nil {
			return nil, err
		}
		if prev != nil && discontinuous(*prev, s, opts.Nominal) {
			if err := pl.SetDiscontinuity(); err != nil {
				return nil, err
			}
			m.Discontinuities++
		}
		m.Segments = append(m.Segments, s)
		prev = &segs[i]
	}
	// Append raises the target to the longest entry; an empty list keeps it valid.
	if pl.TargetDuration < 1 {
		pl.TargetDuration = 1
	}
	if !opts.Live {
		pl.Close()
	}
	return m, nil
}

func discontinuous(prev, next timeline.Segment, nominal time.Duration) bool {
	if nominal <= 0 {
		nominal = prev.Duration
	}
	return next.Start.Sub(prev.End()) > nominal
}

func joinURI(prefix, rel string) string {
	if prefix == "" {
		return rel
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(rel, "/")
}

// CameraSource resolves camera settings.
type CameraSource interface {
	GetCamera(id string) (config.CameraConfig, error)
}

// Synthesizer builds playlists for camera time ranges.
type Synthesizer struct {
	index     *timeline.Indexer
	cameras   CameraSource
	uriPrefix string
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewSynthesizer creates a synthesizer. now may be nil.
func NewSynthesizer(index *timeline.Indexer, cameras CameraSource, uriPrefix string, now func() time.Time, logger *zap.Logger, m *metrics.Metrics) *Synthesizer {
	if now == nil {
		now = time.Now
	}
	return &Synthesizer{
		index:     index,
		cameras:   cameras,
		uriPrefix: uriPrefix,
		now:       now,
		log:       logging.OrNop(logger).Named("playlist"),
		metrics:   m,
	}
}

// Synthesize returns the playlist of a camera for [from, to]. A range that
// reaches into the minute being recorded yields a live EVENT playlist. A
// zero to means up to now.
func (s *Synthesizer) Synthesize(ctx context.Context, cameraID string, from, to time.Time) (*Manifest, error) {
	opts := Options{URIPrefix: s.uriPrefix}
	cam, err := s.cameras.GetCamera(cameraID)
	switch {
	case err == nil:
		opts.Nominal = cam.SegmentDuration()
	case errors.Is(err, database.ErrNotFound):
		// Recordings of a removed camera stay playable until retention.
	default:
		return nil, err
	}

	open := bucket.KeyFor(cameraID, s.now())
	if to.IsZero() || !to.Before(open.Start()) {
		opts.Live = true
	}

	segs, err := s.index.Segments(ctx, cameraID, from, to, config.ModeHLS)
	if err != nil {
		return nil, err
	}
	m, err := Build(segs, opts)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordDiscontinuities(m.Discontinuities)
	s.log.Debug("playlist synthesized",
		zap.String("camera", cameraID),
		zap.Int("entries", len(m.Segments)),
		zap.Int("discontinuities", m.Discontinuities),
		zap.Bool("live", m.Live))
	return m, nil
}
