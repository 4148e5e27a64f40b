package timeline

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"simpleye/bucket"
	"simpleye/config"
)

// ManifestName is the per-bucket HLS playlist.
const ManifestName = "index.m3u8"

var (
	errNoManifest = errors.New("media chunks without " + ManifestName)
	errNotMedia   = errors.New("not a media playlist")
)

// BucketReadError reports a bucket whose contents could not be parsed.
// Readers skip such buckets instead of failing the whole query.
type BucketReadError struct {
	Bucket bucket.Key
	Err    error
}

func (e *BucketReadError) Error() string {
	return fmt.Sprintf("read bucket %s: %v", e.Bucket, e.Err)
}

func (e *BucketReadError) Unwrap() error { return e.Err }

// Segment is one HLS chunk or one JPEG frame. JPEG frames have zero
// duration.
type Segment struct {
	CameraID string
	Bucket   bucket.Key
	File     string
	Path     string // absolute path on disk
	URI      string // slash path relative to the recordings root
	Start    time.Time
	Duration time.Duration
	Mode     config.RecordingMode
}

// End is Start plus Duration.
func (s Segment) End() time.Time { return s.Start.Add(s.Duration) }

// MarshalJSON writes the duration in seconds and leaves out the local path.
func (s Segment) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		CameraID string               `json:"camera_id"`
		File     string               `json:"file"`
		URI      string               `json:"uri"`
		Start    time.Time            `json:"start"`
		Duration float64              `json:"duration"`
		Mode     config.RecordingMode `json:"mode"`
	}{s.CameraID, s.File, s.URI, s.Start, s.Duration.Seconds(), s.Mode})
}

// Contents is what ReadBucket found in one bucket.
type Contents struct {
	Key      bucket.Key
	Mode     config.RecordingMode // empty for a bucket with no media
	Segments []Segment
	// Closed is set when the HLS playlist carries EXT-X-ENDLIST.
	Closed bool
}

// ReadBucket lists the segments of one bucket in start order. HLS chunks
// that are listed in the playlist but missing or empty on disk are left
// out, so a playlist caught mid-write only yields complete chunks.
func ReadBucket(store *bucket.Store, key bucket.Key) (*Contents, error) {
	entries, err := store.Entries(key)
	if err != nil {
		return nil, &BucketReadError{Bucket: key, Err: err}
	}

	sizes := make(map[string]int64, len(entries))
	hasManifest, hasChunks, hasFrames := false, false, false
	for _, e := range entries {
		name := e.Name()
		switch {
		case name == ManifestName:
			hasManifest = true
		case strings.HasSuffix(name, ".ts"):
			hasChunks = true
		case strings.HasSuffix(name, ".jpg"):
			hasFrames = true
		default:
			continue
		}
		if info, err := e.Info(); err == nil {
			sizes[name] = info.Size()
		}
	}

	c := &Contents{Key: key}
	switch {
	case hasManifest:
		c.Mode = config.ModeHLS
		err = readHLS(store, c, sizes)
	case hasChunks:
		err = errNoManifest
	case hasFrames:
		c.Mode = config.ModeJPEG
		readJPEG(store, c, entries)
	}
	if err != nil {
		return nil, &BucketReadError{Bucket: key, Err: err}
	}

	sort.SliceStable(c.Segments, func(i, j int) bool {
		a, b := c.Segments[i], c.Segments[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.File < b.File
	})
	return c, nil
}

func readHLS(store *bucket.Store, c *Contents, sizes map[string]int64) error {
	dir := store.Dir(c.Key)
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return err
	}
	defer f.Close()

	pl, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), false)
	if err != nil {
		return err
	}
	media, ok := pl.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return errNotMedia
	}
	c.Closed = media.Closed

	// Without a program date time, chunks follow each other from the start
	// of the bucket.
	offset := c.Key.Start()
	for _, seg := range media.Segments {
		if seg == nil {
			continue
		}
		dur := time.Duration(seg.Duration * float64(time.Second))
		start := offset
		if !seg.ProgramDateTime.IsZero() {
			start = seg.ProgramDateTime.UTC()
		}
		offset = start.Add(dur)

		name := path.Base(seg.URI)
		if sizes[name] <= 0 {
			continue
		}
		p := filepath.Join(dir, name)
		uri, _ := store.Rel(p)
		c.Segments = append(c.Segments, Segment{
			CameraID: c.Key.CameraID,
			Bucket:   c.Key,
			File:     name,
			Path:     p,
			URI:      uri,
			Start:    start,
			Duration: dur,
			Mode:     config.ModeHLS,
		})
	}
	return nil
}

func readJPEG(store *bucket.Store, c *Contents, entries []fs.DirEntry) {
	dir := store.Dir(c.Key)
	for _, e := range entries {
		offset, ok := parseFrameName(e.Name())
		if !ok {
			continue
		}
		if info, err := e.Info(); err != nil || info.Size() == 0 {
			continue
		}
		p := filepath.Join(dir, e.Name())
		uri, _ := store.Rel(p)
		c.Segments = append(c.Segments, Segment{
			CameraID: c.Key.CameraID,
			Bucket:   c.Key,
			File:     e.Name(),
			Path:     p,
			URI:      uri,
			Start:    c.Key.Start().Add(offset),
			Mode:     config.ModeJPEG,
		})
	}
}

// parseFrameName reads the offset into the minute from a SS_mmm.jpg name.
func parseFrameName(name string) (time.Duration, bool) {
	base, ok := strings.CutSuffix(name, ".jpg")
	if !ok || len(base) != 6 || base[2] != '_' {
		return 0, false
	}
	sec, err1 := strconv.Atoi(base[:2])
	ms, err2 := strconv.Atoi(base[3:])
	if err1 != nil || err2 != nil || sec < 0 || sec > 59 || ms < 0 {
		return 0, false
	}
	return time.Duration(sec)*time.Second + time.Duration(ms)*time.Millisecond, true
}
