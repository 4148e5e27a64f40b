package clips

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"simpleye/logging"
)

// Remuxer joins media files into one container without re-encoding.
type Remuxer interface {
	Remux(ctx context.Context, inputs []string, output string) error
}

// FFmpegRemuxer runs the ffmpeg concat demuxer with stream copy.
type FFmpegRemuxer struct {
	Path   string
	Logger *zap.Logger
}

func NewFFmpegRemuxer(path string, logger *zap.Logger) *FFmpegRemuxer {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegRemuxer{Path: path, Logger: logging.OrNop(logger).Named("remux")}
}

// Args returns the ffmpeg command line for a concat list.
func (r *FFmpegRemuxer) Args(listPath, output string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-f", "mp4",
		output,
	}
}

func (r *FFmpegRemuxer) Remux(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return errors.New("nothing to remux")
	}
	list, err := os.CreateTemp(filepath.Dir(output), ".concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			list.Close()
			return err
		}
		if _, err := fmt.Fprintf(list, "file '%s'\n", quoteConcat(abs)); err != nil {
			list.Close()
			return fmt.Errorf("write concat list: %w", err)
		}
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.Path, r.Args(list.Name(), output)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("ffmpeg concat: %w: %s", err, msg)
	}
	r.Logger.Debug("remuxed clip", zap.String("output", output), zap.Int("inputs", len(inputs)))
	return nil
}

// quoteConcat escapes a path for a single quoted concat list entry.
func quoteConcat(p string) string {
	return strings.ReplaceAll(p, `'`, `'\''`)
}
