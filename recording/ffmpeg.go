package recording

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"simpleye/bucket"
	"simpleye/config"
	"simpleye/logging"
)

const (
	// ManifestName is the per-bucket HLS playlist written by the encoder.
	ManifestName = "index.m3u8"
	chunkPrefix  = "index"
	chunkSuffix  = ".ts"
)

// ChunkName is the file name of HLS chunk n.
func ChunkName(n int) string { return chunkPrefix + strconv.Itoa(n) + chunkSuffix }

// ParseChunkNumber returns n for a name produced by ChunkName.
func ParseChunkNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, chunkPrefix) || !strings.HasSuffix(name, chunkSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, chunkPrefix), chunkSuffix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// JPEGName is the file name of a frame captured at t: <SS>_<mmm>.jpg.
func JPEGName(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%02d_%03d.jpg", t.Second(), t.Nanosecond()/int(time.Millisecond))
}

// FFmpegEncoder captures RTSP streams with an ffmpeg child process.
type FFmpegEncoder struct {
	Path    string
	HWAccel HWAccelConfig
	Store   *bucket.Store
	Clock   Clock
	Logger  *zap.Logger
	// PollInterval is how often HLS output is checked for the first chunk.
	PollInterval time.Duration
}

// NewFFmpegEncoder returns an encoder using the ffmpeg binary at path.
func NewFFmpegEncoder(path string, hw HWAccelConfig, store *bucket.Store, logger *zap.Logger) *FFmpegEncoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegEncoder{
		Path:         path,
		HWAccel:      hw,
		Store:        store,
		Clock:        SystemClock{},
		Logger:       logging.OrNop(logger).Named("ffmpeg"),
		PollInterval: 500 * time.Millisecond,
	}
}

func (e *FFmpegEncoder) Start(ctx context.Context, job Job) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job.Camera.RTSPURL == "" {
		return nil, errors.New("camera has no RTSP URL")
	}
	if job.Camera.RecordingMode == config.ModeJPEG {
		return e.startJPEG(job)
	}
	return e.startHLS(job)
}

// HLSArgs builds the ffmpeg command line for a bucket. Chunks are numbered
// from job.StartNumber and appended to an existing playlist, so a restart
// within the same minute never overwrites earlier output.
func (e *FFmpegEncoder) HLSArgs(job Job) []string {
	cam := job.Camera
	segment := cam.SegmentSeconds
	if segment < 1 {
		segment = config.DefaultSegmentSeconds
	}
	// Keyframes about once per second for a 30fps source, never longer
	// than a segment.
	keyint := 30
	if segment >= 2 {
		keyint = 60
	}

	args := []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin", "-y",
		"-rtsp_transport", "tcp",
		"-timeout", strconv.FormatInt(cam.ConnectTimeout.Microseconds(), 10),
		"-i", cam.RTSPURL,
		"-an",
	}
	args = append(args, e.HWAccel.BuildEncoderArgs(cam.BitrateKbps, keyint)...)

	flags := "independent_segments+program_date_time+append_list"
	if job.StartNumber > 0 {
		flags += "+discont_start"
	}
	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segment),
		"-hls_list_size", "0",
		"-hls_flags", flags,
		"-start_number", strconv.Itoa(job.StartNumber),
		"-hls_segment_filename", filepath.Join(job.Dir, chunkPrefix+"%d"+chunkSuffix),
		filepath.Join(job.Dir, ManifestName),
	)
	return args
}

// JPEGArgs builds the ffmpeg command line that writes an MJPEG stream of
// individual frames to stdout.
func (e *FFmpegEncoder) JPEGArgs(cam config.CameraConfig) []string {
	fps := cam.MaxFPS
	if fps <= 0 {
		fps = config.DefaultMaxFPS
	}
	return []string{
		"-hide_banner", "-loglevel", "warning", "-nostdin",
		"-rtsp_transport", "tcp",
		"-timeout", strconv.FormatInt(cam.ConnectTimeout.Microseconds(), 10),
		"-i", cam.RTSPURL,
		"-an",
		"-vf", "fps=" + strconv.FormatFloat(fps, 'f', -1, 64),
		"-c:v", "mjpeg",
		"-q:v", strconv.Itoa(jpegQScale(cam.JPEGQuality)),
		"-f", "image2pipe",
		"pipe:1",
	}
}

// jpegQScale maps quality 1..100 onto ffmpeg's qscale 31..2.
func jpegQScale(quality int) int {
	if quality < 1 || quality > 100 {
		quality = config.DefaultJPEGQuality
	}
	return 2 + (100-quality)*29/99
}

func (e *FFmpegEncoder) command(args []string) *exec.Cmd {
	cmd := exec.Command(e.Path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (e *FFmpegEncoder) startHLS(job Job) (Process, error) {
	cmd := e.command(e.HLSArgs(job))
	p := newProcess(cmd)
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	go p.wait()

	want := ChunkName(job.StartNumber)
	manifest := filepath.Join(job.Dir, ManifestName)
	go func() {
		ticker := time.NewTicker(e.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case <-ticker.C:
				data, err := os.ReadFile(manifest)
				if err == nil && bytes.Contains(data, []byte(want)) {
					p.markReady()
					return
				}
			}
		}
	}()
	return p, nil
}

func (e *FFmpegEncoder) startJPEG(job Job) (Process, error) {
	if e.Store == nil {
		return nil, errors.New("jpeg capture requires a bucket store")
	}
	cmd := e.command(e.JPEGArgs(job.Camera))
	p := newProcess(cmd)
	cmd.Stderr = p.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	frames := make(chan struct{})
	go func() {
		defer close(frames)
		e.writeFrames(job.Camera.ID, stdout, p.markReady)
	}()
	go func() {
		// Wait must not run before all stdout reads are done.
		<-frames
		p.wait()
	}()
	return p, nil
}

// writeFrames splits an MJPEG stream into frames and stores each one in the
// bucket of its capture time.
func (e *FFmpegEncoder) writeFrames(cameraID string, r io.Reader, onFrame func()) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
	sc.Split(splitJPEG)
	for sc.Scan() {
		now := e.Clock.Now()
		key := bucket.KeyFor(cameraID, now)
		err := e.Store.Write(key, JPEGName(now), sc.Bytes())
		switch {
		case err == nil:
			onFrame()
		case errors.Is(err, bucket.ErrSegmentExists):
			// two frames within the same millisecond
		default:
			e.Logger.Warn("dropping frame", zap.String("camera", cameraID), zap.Error(err))
		}
	}
	if err := sc.Err(); err != nil {
		e.Logger.Warn("frame stream ended", zap.String("camera", cameraID), zap.Error(err))
	}
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// splitJPEG is a bufio.SplitFunc yielding complete SOI..EOI frames.
func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF, it may begin the next marker.
		if n := len(data); n > 1 {
			return n - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

type ffmpegProcess struct {
	cmd       *exec.Cmd
	stderr    *tailBuffer
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	err       error
}

func newProcess(cmd *exec.Cmd) *ffmpegProcess {
	return &ffmpegProcess{
		cmd:    cmd,
		stderr: &tailBuffer{max: 2048},
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (p *ffmpegProcess) wait() {
	if err := p.cmd.Wait(); err != nil {
		if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		p.err = err
	}
	close(p.done)
}

func (p *ffmpegProcess) markReady() { p.readyOnce.Do(func() { close(p.ready) }) }

func (p *ffmpegProcess) Ready() <-chan struct{} { return p.ready }

func (p *ffmpegProcess) Done() <-chan struct{} { return p.done }

func (p *ffmpegProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop sends SIGTERM so ffmpeg writes its trailer and closes the playlist,
// then kills the process group after grace.
func (p *ffmpegProcess) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	pid := p.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-p.done
		return fmt.Errorf("ffmpeg did not exit within %s, killed", grace)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
