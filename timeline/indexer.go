// Package timeline reconstructs what was recorded from the bucket store.
// Nothing is persisted: every query walks the directory tree again, so the
// result always matches what is on disk.
package timeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/logging"
	"simpleye/metrics"
)

// Timeline is the day, hour, minute and second tree of one camera over a
// range, together with the flat segment list it was built from.
type Timeline struct {
	CameraID string    `json:"camera_id"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Days     []*Day    `json:"days"`
	Segments []Segment `json:"segments"`
	Skipped  int       `json:"skipped"`
}

type Day struct {
	Date  string  `json:"date"`
	Hours []*Hour `json:"hours"`
}

type Hour struct {
	Hour    int       `json:"hour"`
	Minutes []*Minute `json:"minutes"`
}

// Minute lists the seconds at which at least one segment starts.
type Minute struct {
	Minute  int   `json:"minute"`
	Seconds []int `json:"seconds"`
}

// Indexer answers timeline queries against a bucket store.
type Indexer struct {
	store   *bucket.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewIndexer(store *bucket.Store, logger *zap.Logger, m *metrics.Metrics) *Indexer {
	return &Indexer{store: store, log: logging.OrNop(logger).Named("timeline"), metrics: m}
}

// Index builds the timeline of a camera for [from, to].
func (ix *Indexer) Index(ctx context.Context, cameraID string, from, to time.Time) (*Timeline, error) {
	segs, skipped, err := ix.collect(ctx, cameraID, from, to, "")
	if err != nil {
		return nil, err
	}
	tl := &Timeline{CameraID: cameraID, From: from, To: to, Days: []*Day{}, Segments: segs, Skipped: skipped}
	if tl.Segments == nil {
		tl.Segments = []Segment{}
	}
	for _, s := range segs {
		tl.add(s.Start)
	}
	return tl, nil
}

// Segments returns the ordered segments of a camera overlapping [from, to].
// An empty mode returns segments of both modes. Buckets are ordered by time
// and segments within a bucket by start and file name.
func (ix *Indexer) Segments(ctx context.Context, cameraID string, from, to time.Time, mode config.RecordingMode) ([]Segment, error) {
	segs, _, err := ix.collect(ctx, cameraID, from, to, mode)
	return segs, err
}

func (ix *Indexer) collect(ctx context.Context, cameraID string, from, to time.Time, mode config.RecordingMode) ([]Segment, int, error) {
	// A chunk may run past the end of the minute it was written in.
	listFrom := from
	if !listFrom.IsZero() {
		listFrom = listFrom.Add(-time.Minute)
	}
	keys, err := ix.store.List(cameraID, listFrom, to)
	if err != nil {
		return nil, 0, err
	}

	var (
		out     []Segment
		skipped int
	)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, skipped, err
		}
		c, err := ReadBucket(ix.store, k)
		if err != nil {
			var bre *BucketReadError
			if !errors.As(err, &bre) {
				return nil, skipped, err
			}
			skipped++
			ix.log.Warn("skipping bucket", zap.String("bucket", k.String()), zap.Error(err))
			continue
		}
		if mode != "" && c.Mode != mode {
			continue
		}
		for _, s := range c.Segments {
			if overlaps(s, from, to) {
				out = append(out, s)
			}
		}
	}
	ix.metrics.RecordSkippedBuckets(skipped)
	return out, skipped, nil
}

// overlaps reports whether s shares time with [from, to]. A chunk that only
// touches the range at its start or end does not. Frames and point ranges
// compare inclusively.
func overlaps(s Segment, from, to time.Time) bool {
	if !to.IsZero() {
		if s.Start.After(to) {
			return false
		}
		if s.Duration > 0 && s.Start.Equal(to) && !from.Equal(to) {
			return false
		}
	}
	if from.IsZero() {
		return true
	}
	if s.Duration == 0 {
		return !s.Start.Before(from)
	}
	return s.End().After(from)
}

func (tl *Timeline) add(t time.Time) {
	t = t.UTC()
	date := t.Format("2006-01-02")

	d := findLast(tl.Days, func(d *Day) bool { return d.Date == date })
	if d == nil {
		d = &Day{Date: date}
		tl.Days = append(tl.Days, d)
	}
	h := findLast(d.Hours, func(h *Hour) bool { return h.Hour == t.Hour() })
	if h == nil {
		h = &Hour{Hour: t.Hour()}
		d.Hours = append(d.Hours, h)
	}
	m := findLast(h.Minutes, func(m *Minute) bool { return m.Minute == t.Minute() })
	if m == nil {
		m = &Minute{Minute: t.Minute()}
		h.Minutes = append(h.Minutes, m)
	}

	sec := t.Second()
	i := sort.SearchInts(m.Seconds, sec)
	if i < len(m.Seconds) && m.Seconds[i] == sec {
		return
	}
	m.Seconds = append(m.Seconds, 0)
	copy(m.Seconds[i+1:], m.Seconds[i:])
	m.Seconds[i] = sec
}

// findLast searches from the end, where ordered input always hits first.
func findLast[T any](list []*T, match func(*T) bool) *T {
	for i := len(list) - 1; i >= 0; i-- {
		if match(list[i]) {
			return list[i]
		}
	}
	return nil
}
