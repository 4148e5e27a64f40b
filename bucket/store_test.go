package bucket

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func touchBucket(t *testing.T, s *Store, cam string, at time.Time) Key {
	t.Helper()
	k := KeyFor(cam, at)
	_, err := s.Ensure(k)
	require.NoError(t, err)
	return k
}

func TestKeyLayout(t *testing.T) {
	at := mustTime(t, "2024-03-05T07:09:59+02:00")
	k := KeyFor("cam1", at)

	assert.Equal(t, filepath.Join("cam1", "2024", "03", "05", "05", "09"), k.RelDir())
	assert.Equal(t, mustTime(t, "2024-03-05T05:09:00Z"), k.Start())
	assert.Equal(t, mustTime(t, "2024-03-05T05:10:00Z"), k.End())
	assert.Equal(t, k.End(), k.Next().Start())
}

func TestPathForIsStableWithinMinute(t *testing.T) {
	s := NewStore(t.TempDir())
	a := s.PathFor("cam", mustTime(t, "2024-01-01T10:00:00Z"))
	b := s.PathFor("cam", mustTime(t, "2024-01-01T10:00:59.999Z"))
	c := s.PathFor("cam", mustTime(t, "2024-01-01T10:01:00Z"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestListRangeAndOrder(t *testing.T) {
	s := NewStore(t.TempDir())
	times := []string{
		"2023-12-31T23:59:00Z",
		"2024-01-01T00:00:00Z",
		"2024-01-01T00:01:00Z",
		"2024-01-01T01:30:00Z",
		"2024-02-10T12:00:00Z",
	}
	for _, ts := range times {
		touchBucket(t, s, "cam", mustTime(t, ts))
	}
	touchBucket(t, s, "other", mustTime(t, "2024-01-01T00:00:00Z"))

	tests := []struct {
		name     string
		from, to string
		want     []string
	}{
		{"all", "", "", times},
		{"inclusive bounds", "2024-01-01T00:00:30Z", "2024-01-01T01:30:00Z",
			[]string{"2024-01-01T00:00:00Z", "2024-01-01T00:01:00Z", "2024-01-01T01:30:00Z"}},
		{"bucket end is exclusive", "2024-01-01T00:01:00Z", "2024-01-01T00:01:00Z",
			[]string{"2024-01-01T00:01:00Z"}},
		{"gap", "2024-01-02T00:00:00Z", "2024-02-01T00:00:00Z", nil},
		{"across year", "2023-12-31T23:59:30Z", "2024-01-01T00:00:10Z",
			[]string{"2023-12-31T23:59:00Z", "2024-01-01T00:00:00Z"}},
		{"open past", "", "2024-01-01T00:00:00Z",
			[]string{"2023-12-31T23:59:00Z", "2024-01-01T00:00:00Z"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var from, to time.Time
			if tt.from != "" {
				from = mustTime(t, tt.from)
			}
			if tt.to != "" {
				to = mustTime(t, tt.to)
			}
			keys, err := s.List("cam", from, to)
			require.NoError(t, err)
			var got []string
			for _, k := range keys {
				assert.Equal(t, "cam", k.CameraID)
				got = append(got, k.Start().Format(time.RFC3339))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListIgnoresForeignEntries(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	k := touchBucket(t, s, "cam", mustTime(t, "2024-05-01T08:15:00Z"))

	for _, p := range []string{
		"cam/2024/5/01/08/15",
		"cam/2024/05/01/08/xx",
		"cam/2024/13/01/00/00",
		"cam/2024/02/30/00/00",
		"cam/2024/05/01/24/00",
		"cam/tmp",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.FromSlash(p)), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "cam", "2024", "05", "01", "08", "16"), []byte("x"), 0o644))

	keys, err := s.List("cam", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []Key{k}, keys)
}

func TestListMissingCamera(t *testing.T) {
	s := NewStore(t.TempDir())
	keys, err := s.List("ghost", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = s.List("../etc", time.Time{}, time.Time{})
	assert.ErrorIs(t, err, ErrInvalidCamera)
}

func TestListMonotonicInRange(t *testing.T) {
	s := NewStore(t.TempDir())
	base := mustTime(t, "2024-06-01T10:00:00Z")
	for i := 0; i < 30; i += 3 {
		touchBucket(t, s, "cam", base.Add(time.Duration(i)*time.Minute))
	}
	narrow, err := s.List("cam", base.Add(5*time.Minute), base.Add(15*time.Minute))
	require.NoError(t, err)
	again, err := s.List("cam", base.Add(5*time.Minute), base.Add(15*time.Minute))
	require.NoError(t, err)
	wide, err := s.List("cam", base, base.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, narrow, again)
	assert.Subset(t, wide, narrow)
	assert.Len(t, wide, 10)
}

func TestWriteNeverOverwrites(t *testing.T) {
	s := NewStore(t.TempDir())
	k := KeyFor("cam", mustTime(t, "2024-01-01T00:00:00Z"))

	require.NoError(t, s.Write(k, "00_000.jpg", []byte("first")))
	err := s.Write(k, "00_000.jpg", []byte("second"))
	assert.ErrorIs(t, err, ErrSegmentExists)

	data, err := os.ReadFile(filepath.Join(s.Dir(k), "00_000.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	entries, err := s.Entries(k)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "00_000.jpg", entries[0].Name())

	assert.Error(t, s.Write(k, "../escape.jpg", nil))
}

func TestDeleteIsIdempotentAndPrunesParents(t *testing.T) {
	root := t.TempDir()
	s := NewStore(root)
	a := KeyFor("cam", mustTime(t, "2024-01-01T00:00:00Z"))
	b := KeyFor("cam", mustTime(t, "2024-01-01T00:01:00Z"))
	require.NoError(t, s.Write(a, "index.m3u8", []byte("#EXTM3U\n")))
	require.NoError(t, s.Write(b, "index.m3u8", []byte("#EXTM3U\n")))

	require.NoError(t, s.Delete(a))
	require.NoError(t, s.Delete(a))
	assert.NoDirExists(t, s.Dir(a))
	assert.DirExists(t, filepath.Dir(s.Dir(b)))

	require.NoError(t, s.Delete(b))
	assert.NoDirExists(t, filepath.Join(root, "cam", "2024"))
	assert.DirExists(t, filepath.Join(root, "cam"))
}

func TestLatest(t *testing.T) {
	s := NewStore(t.TempDir())
	_, ok, err := s.Latest("cam")
	require.NoError(t, err)
	assert.False(t, ok)

	touchBucket(t, s, "cam", mustTime(t, "2023-12-31T23:59:00Z"))
	want := touchBucket(t, s, "cam", mustTime(t, "2024-01-02T03:04:00Z"))
	touchBucket(t, s, "cam", mustTime(t, "2024-01-01T00:00:00Z"))

	got, ok, err := s.Latest("cam")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestCamerasAndRel(t *testing.T) {
	s := NewStore(t.TempDir())
	k := touchBucket(t, s, "b", mustTime(t, "2024-01-01T00:00:00Z"))
	touchBucket(t, s, "a", mustTime(t, "2024-01-01T00:00:00Z"))

	ids, err := s.Cameras()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	rel, err := s.Rel(filepath.Join(s.Dir(k), "index0.ts"))
	require.NoError(t, err)
	assert.Equal(t, "b/2024/01/01/00/00/index0.ts", rel)

	_, err = s.Rel(filepath.Dir(s.Root()))
	assert.Error(t, err)
}
