// Package bucket maps wall-clock minutes onto a directory tree of
// per-camera recordings and provides range listing over that tree.
//
// The layout is <root>/<camera>/<YYYY>/<MM>/<DD>/<HH>/<MM>/ in UTC. Every
// time component is zero-padded to a fixed width, so lexical order of the
// directory names equals time order.
package bucket

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidCamera is returned for camera ids that cannot be used as a
// single path component.
var ErrInvalidCamera = errors.New("bucket: invalid camera id")

// Key identifies one minute of recording for one camera.
type Key struct {
	CameraID string
	Minute   time.Time
}

// KeyFor returns the bucket that contains instant t.
func KeyFor(cameraID string, t time.Time) Key {
	return Key{CameraID: cameraID, Minute: t.UTC().Truncate(time.Minute)}
}

// Start is the first instant covered by the bucket.
func (k Key) Start() time.Time { return k.Minute }

// End is the first instant after the bucket.
func (k Key) End() time.Time { return k.Minute.Add(time.Minute) }

// Next returns the bucket that follows k.
func (k Key) Next() Key { return Key{CameraID: k.CameraID, Minute: k.End()} }

// Equal reports whether both keys name the same bucket.
func (k Key) Equal(o Key) bool {
	return k.CameraID == o.CameraID && k.Minute.Equal(o.Minute)
}

func (k Key) IsZero() bool { return k.CameraID == "" && k.Minute.IsZero() }

// RelDir is the bucket directory relative to the store root.
func (k Key) RelDir() string {
	m := k.Minute.UTC()
	return filepath.Join(
		k.CameraID,
		fmt.Sprintf("%04d", m.Year()),
		fmt.Sprintf("%02d", int(m.Month())),
		fmt.Sprintf("%02d", m.Day()),
		fmt.Sprintf("%02d", m.Hour()),
		fmt.Sprintf("%02d", m.Minute()),
	)
}

func (k Key) String() string {
	return k.CameraID + "@" + k.Minute.UTC().Format("2006-01-02T15:04Z")
}

func validCamera(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidCamera, id)
	}
	return nil
}
