package bucket

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrSegmentExists is returned by Write when the target file is already
// present. Segments are never overwritten.
var ErrSegmentExists = errors.New("bucket: segment already exists")

// Store is the on-disk recording tree. It holds no state besides the root,
// so any number of readers and writers may share one.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string) *Store {
	return &Store{root: filepath.Clean(dir)}
}

func (s *Store) Root() string { return s.root }

// Dir is the absolute directory of a bucket.
func (s *Store) Dir(k Key) string {
	return filepath.Join(s.root, k.RelDir())
}

// PathFor returns the bucket directory that holds instant t for the camera.
func (s *Store) PathFor(cameraID string, t time.Time) string {
	return s.Dir(KeyFor(cameraID, t))
}

// Ensure creates the bucket directory and returns it.
func (s *Store) Ensure(k Key) (string, error) {
	if err := validCamera(k.CameraID); err != nil {
		return "", err
	}
	dir := s.Dir(k)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create bucket %s: %w", k, err)
	}
	return dir, nil
}

// Write stores data as a new file in the bucket. The file appears under its
// final name only once fully written.
func (s *Store) Write(k Key, name string, data []byte) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("bucket: invalid segment name %q", name)
	}
	dir, err := s.Ensure(k)
	if err != nil {
		return err
	}
	final := filepath.Join(dir, name)
	if _, err := os.Lstat(final); err == nil {
		return ErrSegmentExists
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", k, name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s/%s: %w", k, name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s/%s: %w", k, name, err)
	}
	// Link fails if the name appeared in the meantime.
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrSegmentExists
		}
		return fmt.Errorf("write %s/%s: %w", k, name, err)
	}
	return nil
}

// Delete removes a bucket with everything in it, then removes parent
// directories left empty. Deleting a missing bucket is not an error.
func (s *Store) Delete(k Key) error {
	if err := validCamera(k.CameraID); err != nil {
		return err
	}
	dir := s.Dir(k)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete bucket %s: %w", k, err)
	}
	cameraDir := filepath.Join(s.root, k.CameraID)
	for p := filepath.Dir(dir); p != cameraDir && strings.HasPrefix(p, cameraDir); p = filepath.Dir(p) {
		// Fails on non-empty directories, which ends the walk.
		if err := os.Remove(p); err != nil {
			break
		}
	}
	return nil
}

// Entries lists the files of a bucket sorted by name, skipping hidden
// temporaries. A missing bucket yields no entries.
func (s *Store) Entries(k Key) ([]fs.DirEntry, error) {
	if err := validCamera(k.CameraID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir(k))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bucket %s: %w", k, err)
	}
	out := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || e.IsDir() {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Cameras lists camera directories present under the root.
func (s *Store) Cameras() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && validCamera(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Rel converts an absolute path inside the store into a slash separated
// path relative to the root.
func (s *Store) Rel(path string) (string, error) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("bucket: %s is outside %s", path, s.root)
	}
	return filepath.ToSlash(rel), nil
}

// List returns the buckets of a camera that overlap [from, to], oldest
// first. A zero from means unbounded in the past and a zero to unbounded in
// the future. Subtrees entirely outside the range are never opened, and
// entries that do not look like bucket components are ignored.
func (s *Store) List(cameraID string, from, to time.Time) ([]Key, error) {
	if err := validCamera(cameraID); err != nil {
		return nil, err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, nil
	}
	w := walker{cameraID: cameraID, from: from, to: to}
	if err := w.walk(filepath.Join(s.root, cameraID), 0, [5]int{}); err != nil {
		return nil, err
	}
	return w.keys, nil
}

// Latest returns the newest bucket of a camera.
func (s *Store) Latest(cameraID string) (Key, bool, error) {
	if err := validCamera(cameraID); err != nil {
		return Key{}, false, err
	}
	w := walker{cameraID: cameraID, reverse: true, limit: 1}
	if err := w.walk(filepath.Join(s.root, cameraID), 0, [5]int{}); err != nil {
		return Key{}, false, err
	}
	if len(w.keys) == 0 {
		return Key{}, false, nil
	}
	return w.keys[0], true, nil
}

type level struct {
	width    int
	min, max int
}

// year, month, day, hour, minute
var levels = [5]level{{4, 1970, 9999}, {2, 1, 12}, {2, 1, 31}, {2, 0, 23}, {2, 0, 59}}

type walker struct {
	cameraID string
	from, to time.Time
	reverse  bool
	limit    int
	keys     []Key
}

func (w *walker) done() bool { return w.limit > 0 && len(w.keys) >= w.limit }

func (w *walker) walk(dir string, depth int, parts [5]int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// The janitor may remove a subtree while we walk it.
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list %s: %w", dir, err)
	}
	if w.reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	for _, e := range entries {
		if w.done() {
			return nil
		}
		if !e.IsDir() {
			continue
		}
		n, ok := parseComponent(e.Name(), levels[depth])
		if !ok {
			continue
		}
		parts[depth] = n
		start, end, ok := span(depth, parts)
		if !ok || !w.overlaps(start, end) {
			continue
		}
		if depth == len(levels)-1 {
			w.keys = append(w.keys, Key{CameraID: w.cameraID, Minute: start})
			continue
		}
		if err := w.walk(filepath.Join(dir, e.Name()), depth+1, parts); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) overlaps(start, end time.Time) bool {
	if !w.from.IsZero() && !end.After(w.from) {
		return false
	}
	if !w.to.IsZero() && start.After(w.to) {
		return false
	}
	return true
}

func parseComponent(name string, l level) (int, bool) {
	if len(name) != l.width {
		return 0, false
	}
	for _, c := range name {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(name)
	if err != nil || n < l.min || n > l.max {
		return 0, false
	}
	return n, true
}

// span returns the time range covered by a node of the tree at depth.
func span(depth int, p [5]int) (time.Time, time.Time, bool) {
	switch depth {
	case 0:
		start := time.Date(p[0], 1, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0), true
	case 1:
		start := time.Date(p[0], time.Month(p[1]), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0), true
	}
	start := time.Date(p[0], time.Month(p[1]), p[2], 0, 0, 0, 0, time.UTC)
	// Rejects dates like 02/30 that time.Date would normalise.
	if start.Day() != p[2] || int(start.Month()) != p[1] {
		return time.Time{}, time.Time{}, false
	}
	switch depth {
	case 2:
		return start, start.AddDate(0, 0, 1), true
	case 3:
		start = start.Add(time.Duration(p[3]) * time.Hour)
		return start, start.Add(time.Hour), true
	default:
		start = start.Add(time.Duration(p[3])*time.Hour + time.Duration(p[4])*time.Minute)
		return start, start.Add(time.Minute), true
	}
}
