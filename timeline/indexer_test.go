package timeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/metrics"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// writeHLS writes a bucket playlist with one chunk per duration. Chunks
// listed in empty are left with zero bytes.
func writeHLS(t *testing.T, s *bucket.Store, k bucket.Key, durations []float64, withPDT, closed bool, empty ...int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
	at := k.Start()
	for i, d := range durations {
		if withPDT {
			fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", at.Format("2006-01-02T15:04:05.000Z07:00"))
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nindex%d.ts\n", d, i)
		at = at.Add(time.Duration(d * float64(time.Second)))

		data := []byte("chunk")
		for _, e := range empty {
			if e == i {
				data = nil
			}
		}
		require.NoError(t, s.Write(k, fmt.Sprintf("index%d.ts", i), data))
	}
	if closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	require.NoError(t, s.Write(k, ManifestName, []byte(b.String())))
}

func TestReadBucketHLS(t *testing.T) {
	s := bucket.NewStore(t.TempDir())
	k := bucket.KeyFor("gate", t0)
	writeHLS(t, s, k, []float64{2, 2, 2}, false, false, 2)

	c, err := ReadBucket(s, k)
	require.NoError(t, err)
	assert.Equal(t, config.ModeHLS, c.Mode)
	assert.False(t, c.Closed)
	require.Len(t, c.Segments, 2, "empty tail chunk is excluded")
	assert.Equal(t, t0, c.Segments[0].Start)
	assert.Equal(t, t0.Add(2*time.Second), c.Segments[1].Start)
	assert.Equal(t, 2*time.Second, c.Segments[1].Duration)
	assert.Equal(t, "gate/2024/05/01/10/00/index1.ts", c.Segments[1].URI)
}

func TestReadBucketUsesProgramDateTime(t *testing.T) {
	s := bucket.NewStore(t.TempDir())
	k := bucket.KeyFor("gate", t0)
	body := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n" +
		"#EXT-X-PROGRAM-DATE-TIME:2024-05-01T10:00:20Z\n#EXTINF:4.0,\nindex0.ts\n" +
		"#EXT-X-ENDLIST\n"
	require.NoError(t, s.Write(k, "index0.ts", []byte("x")))
	require.NoError(t, s.Write(k, ManifestName, []byte(body)))

	c, err := ReadBucket(s, k)
	require.NoError(t, err)
	assert.True(t, c.Closed)
	require.Len(t, c.Segments, 1)
	assert.True(t, c.Segments[0].Start.Equal(t0.Add(20*time.Second)))
	assert.True(t, c.Segments[0].End().Equal(t0.Add(24*time.Second)))
}

func TestReadBucketErrors(t *testing.T) {
	s := bucket.NewStore(t.TempDir())

	garbage := bucket.KeyFor("gate", t0)
	require.NoError(t, s.Write(garbage, ManifestName, []byte("not a playlist")))
	_, err := ReadBucket(s, garbage)
	var bre *BucketReadError
	require.ErrorAs(t, err, &bre)
	assert.Equal(t, garbage, bre.Bucket)

	orphan := garbage.Next()
	require.NoError(t, s.Write(orphan, "index0.ts", []byte("x")))
	_, err = ReadBucket(s, orphan)
	assert.ErrorIs(t, err, errNoManifest)

	c, err := ReadBucket(s, orphan.Next())
	require.NoError(t, err, "a missing bucket is simply empty")
	assert.Empty(t, c.Segments)
}

func TestReadBucketJPEG(t *testing.T) {
	s := bucket.NewStore(t.TempDir())
	k := bucket.KeyFor("yard", t0)
	for _, name := range []string{"05_100.jpg", "05_000.jpg", "59_999.jpg", "junk.jpg", "5_1.jpg"} {
		require.NoError(t, s.Write(k, name, []byte{0xFF, 0xD8, 0xFF, 0xD9}))
	}

	c, err := ReadBucket(s, k)
	require.NoError(t, err)
	assert.Equal(t, config.ModeJPEG, c.Mode)
	require.Len(t, c.Segments, 3)
	assert.Equal(t, "05_000.jpg", c.Segments[0].File)
	assert.Equal(t, t0.Add(5100*time.Millisecond), c.Segments[1].Start)
	assert.Zero(t, c.Segments[2].Duration)
}

func TestIndexBuildsTree(t *testing.T) {
	s := bucket.NewStore(t.TempDir())
	m := metrics.New(prometheus.NewRegistry())
	first := bucket.KeyFor("gate", t0)
	writeHLS(t, s, first, []float64{10, 10, 10, 10, 10, 10}, true, true)
	bad := first.Next()
	require.NoError(t, s.Write(bad, ManifestName, []byte("")))
	third := bad.Next()
	writeHLS(t, s, third, []float64{10, 10}, true, false)
	late := bucket.KeyFor("gate", t0.Add(75*time.Minute))
	writeHLS(t, s, late, []float64{10}, true, true)

	ix := NewIndexer(s, zaptest.NewLogger(t), m)
	tl, err := ix.Index(context.Background(), "gate", t0, t0.Add(2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 1, tl.Skipped)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TimelineSkippedBuckets))
	require.Len(t, tl.Segments, 9)
	for i := 1; i < len(tl.Segments); i++ {
		assert.True(t, tl.Segments[i-1].Start.Before(tl.Segments[i].Start))
	}

	require.Len(t, tl.Days, 1)
	assert.Equal(t, "2024-05-01", tl.Days[0].Date)
	require.Len(t, tl.Days[0].Hours, 2)
	hour10 := tl.Days[0].Hours[0]
	require.Len(t, hour10.Minutes, 2)
	assert.Equal(t, 0, hour10.Minutes[0].Minute)
	assert.Equal(t, []int{0, 10, 20, 30, 40, 50}, hour10.Minutes[0].Seconds)
	assert.Equal(t, 2, hour10.Minutes[1].Minute)
	assert.Equal(t, []int{0, 10}, hour10.Minutes[1].Seconds)
	assert.Equal(t, 11, tl.Days[0].Hours[1].Hour)
	assert.Equal(t, 15, tl.Days[0].Hours[1].Minutes[0].Minute)
}

func TestSegmentsRangeAndMode(t *testing.T) {
	s := bucket.NewStore(t.TempDir())
	k := bucket.KeyFor("gate", t0)
	writeHLS(t, s, k, []float64{10, 10, 10, 10, 10, 10}, false, true)
	// Straddles into the next minute from the previous bucket.
	prev := bucket.KeyFor("gate", t0.Add(-time.Minute))
	writeHLS(t, s, prev, []float64{50, 20}, false, true)
	ix := NewIndexer(s, nil, nil)
	ctx := context.Background()

	segs, err := ix.Segments(ctx, "gate", t0.Add(25*time.Second), t0.Add(41*time.Second), "")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	assert.Equal(t, "index2.ts", segs[0].File)
	assert.Equal(t, "index4.ts", segs[2].File)

	// Edges that only touch a chunk leave it out.
	segs, err = ix.Segments(ctx, "gate", t0.Add(20*time.Second), t0.Add(40*time.Second), config.ModeHLS)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "index2.ts", segs[0].File)
	assert.Equal(t, "index3.ts", segs[1].File)

	// A point range on a chunk start still finds that chunk.
	segs, err = ix.Segments(ctx, "gate", t0.Add(30*time.Second), t0.Add(30*time.Second), config.ModeHLS)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "index3.ts", segs[0].File)

	segs, err = ix.Segments(ctx, "gate", t0.Add(5*time.Second), t0.Add(5*time.Second), config.ModeHLS)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, prev, segs[0].Bucket, "chunk running past its minute is found")
	assert.Equal(t, "index0.ts", segs[1].File)

	segs, err = ix.Segments(ctx, "gate", t0, t0.Add(time.Minute), config.ModeJPEG)
	require.NoError(t, err)
	assert.Empty(t, segs)

	segs, err = ix.Segments(ctx, "nobody", t0, t0.Add(time.Minute), "")
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestIndexHonoursContext(t *testing.T) {
	s := bucket.NewStore(t.TempDir())
	writeHLS(t, s, bucket.KeyFor("gate", t0), []float64{2}, false, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewIndexer(s, nil, nil).Index(ctx, "gate", t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, context.Canceled)
}
