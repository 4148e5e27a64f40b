package database

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a camera or clip row does not exist.
var ErrNotFound = errors.New("not found")

// CameraRecord is the stored form of a camera's capture settings.
type CameraRecord struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	RTSPURL               string    `json:"rtspUrl"`
	Enabled               bool      `json:"enabled"`
	RecordingMode         string    `json:"recordingMode"` // "hls" or "jpeg"
	RetentionHours        int       `json:"retentionHours"`
	SegmentSeconds        int       `json:"segmentSeconds"`
	BitrateKbps           int       `json:"bitrateKbps"`
	MaxFPS                float64   `json:"maxFps"`
	JPEGQuality           int       `json:"jpegQuality"`
	ConnectTimeoutSeconds int       `json:"connectTimeoutSeconds"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Clip is a saved extract of a camera's recording. Clips are not subject
// to retention.
type Clip struct {
	ID         string    `json:"id"`
	CameraID   string    `json:"cameraId"`
	Name       string    `json:"name"`
	Creator    string    `json:"creator"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	FilePath   string    `json:"filePath"`
	Size       int64     `json:"size"`
	RemotePath string    `json:"remotePath,omitempty"` // object key when archived
	RemoteURL  string    `json:"remoteUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Duration of the requested range.
func (c Clip) Duration() time.Duration { return c.End.Sub(c.Start) }

// Database defines the interface for database operations
type Database interface {
	// Camera operations
	UpsertCamera(camera CameraRecord) error
	GetCamera(id string) (*CameraRecord, error)
	GetCameras() ([]CameraRecord, error)
	DeleteCamera(id string) error

	// Clip operations
	CreateClip(clip Clip) error
	GetClip(id string) (*Clip, error)
	ListClips(cameraID string) ([]Clip, error)
	RenameClip(id, name string) error
	UpdateClipRemote(id, remotePath, remoteURL string) error
	DeleteClip(id string) error

	Close() error
}
