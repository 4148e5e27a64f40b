package recording

import (
	"context"
	"errors"
	"fmt"
	"time"

	"simpleye/bucket"
	"simpleye/config"
)

// Job describes one encoder run: a camera writing into one bucket.
type Job struct {
	Camera config.CameraConfig
	Bucket bucket.Key
	Dir    string
	// StartNumber is the first HLS chunk index, non-zero when a restart
	// appends to a bucket that already holds chunks.
	StartNumber int
}

// Encoder launches capture processes.
type Encoder interface {
	Start(ctx context.Context, job Job) (Process, error)
}

// Process is a running capture.
type Process interface {
	// Ready is closed once the first output has been written.
	Ready() <-chan struct{}
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit error, valid after Done is closed. Nil for a clean exit.
	Err() error
	// Stop asks the process to flush and exit, killing it after grace.
	Stop(grace time.Duration) error
}

var (
	// ErrSessionActive is returned by Start on a session that is already running.
	ErrSessionActive = errors.New("recording: session already active")
	// ErrNoOutput means the encoder started but wrote nothing in time.
	ErrNoOutput = errors.New("recording: encoder produced no output")
	// ErrUnexpectedExit means the encoder exited on its own.
	ErrUnexpectedExit = errors.New("recording: encoder exited")
)

// EncoderUnavailableError means the encoder could not be started at all,
// for example a missing binary. Sessions retry it with backoff.
type EncoderUnavailableError struct {
	CameraID string
	Err      error
}

func (e *EncoderUnavailableError) Error() string {
	return fmt.Sprintf("encoder unavailable for camera %s: %v", e.CameraID, e.Err)
}

func (e *EncoderUnavailableError) Unwrap() error { return e.Err }
