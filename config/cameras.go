package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"simpleye/database"
)

// RecordingMode selects how a camera is captured.
type RecordingMode string

const (
	ModeHLS  RecordingMode = "hls"
	ModeJPEG RecordingMode = "jpeg"
)

// Camera defaults applied by Normalize.
const (
	DefaultRetentionHours = 24
	DefaultSegmentSeconds = 2
	DefaultBitrateKbps    = 1500
	DefaultMaxFPS         = 5.0
	DefaultJPEGQuality    = 75
	DefaultConnectTimeout = 10 * time.Second
)

// CameraConfig holds capture settings for a single RTSP camera. It is a
// comparable value so changes can be detected with ==.
type CameraConfig struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	RTSPURL        string        `json:"rtspUrl"`
	Enabled        bool          `json:"enabled"`
	RecordingMode  RecordingMode `json:"recordingMode"`
	RetentionHours int           `json:"retentionHours"`
	SegmentSeconds int           `json:"segmentSeconds"`
	BitrateKbps    int           `json:"bitrateKbps"`
	MaxFPS         float64       `json:"maxFps"`
	JPEGQuality    int           `json:"jpegQuality"`
	ConnectTimeout time.Duration `json:"connectTimeout"`
}

// Normalize replaces missing or invalid values with defaults.
func (c CameraConfig) Normalize() CameraConfig {
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)
	c.RTSPURL = strings.TrimSpace(c.RTSPURL)
	if c.Name == "" {
		c.Name = c.ID
	}

	switch RecordingMode(strings.ToLower(strings.TrimSpace(string(c.RecordingMode)))) {
	case ModeJPEG:
		c.RecordingMode = ModeJPEG
	default:
		c.RecordingMode = ModeHLS
	}

	if c.RetentionHours <= 0 {
		c.RetentionHours = DefaultRetentionHours
	}
	if c.SegmentSeconds < 1 {
		c.SegmentSeconds = DefaultSegmentSeconds
	}
	if c.BitrateKbps <= 0 {
		c.BitrateKbps = DefaultBitrateKbps
	} else if c.BitrateKbps < 100 {
		c.BitrateKbps = 100
	}
	if c.MaxFPS <= 0 {
		c.MaxFPS = DefaultMaxFPS
	} else if c.MaxFPS < 0.5 {
		c.MaxFPS = 0.5
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Retention is how long recordings of this camera are kept.
func (c CameraConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SegmentDuration is the nominal length of one HLS chunk.
func (c CameraConfig) SegmentDuration() time.Duration {
	return time.Duration(c.SegmentSeconds) * time.Second
}

// Recordable reports whether the camera should have a recorder running.
func (c CameraConfig) Recordable() bool {
	return c.Enabled && c.RTSPURL != ""
}

// FromRecord converts a stored camera into a normalized config.
func FromRecord(r database.CameraRecord) CameraConfig {
	return CameraConfig{
		ID:             r.ID,
		Name:           r.Name,
		RTSPURL:        r.RTSPURL,
		Enabled:        r.Enabled,
		RecordingMode:  RecordingMode(r.RecordingMode),
		RetentionHours: r.RetentionHours,
		SegmentSeconds: r.SegmentSeconds,
		BitrateKbps:    r.BitrateKbps,
		MaxFPS:         r.MaxFPS,
		JPEGQuality:    r.JPEGQuality,
		ConnectTimeout: time.Duration(r.ConnectTimeoutSeconds) * time.Second,
	}.Normalize()
}

// ToRecord converts a config into its stored form.
func (c CameraConfig) ToRecord() database.CameraRecord {
	return database.CameraRecord{
		ID:                    c.ID,
		Name:                  c.Name,
		RTSPURL:               c.RTSPURL,
		Enabled:               c.Enabled,
		RecordingMode:         string(c.RecordingMode),
		RetentionHours:        c.RetentionHours,
		SegmentSeconds:        c.SegmentSeconds,
		BitrateKbps:           c.BitrateKbps,
		MaxFPS:                c.MaxFPS,
		JPEGQuality:           c.JPEGQuality,
		ConnectTimeoutSeconds: int(c.ConnectTimeout / time.Second),
	}
}

type camerasFile struct {
	Cameras []cameraEntry `yaml:"cameras"`
}

type cameraEntry struct {
	ID             string  `yaml:"id"`
	Name           string  `yaml:"name"`
	RTSPURL        string  `yaml:"rtsp_url"`
	Enabled        *bool   `yaml:"enabled"`
	RecordingMode  string  `yaml:"recording_mode"`
	RetentionHours int     `yaml:"retention_hours"`
	SegmentSeconds int     `yaml:"segment_seconds"`
	BitrateKbps    int     `yaml:"bitrate_kbps"`
	MaxFPS         float64 `yaml:"max_fps"`
	JPEGQuality    int     `yaml:"jpeg_quality"`
	ConnectTimeout string  `yaml:"connect_timeout"`
}

// LoadCamerasFile reads a YAML camera list. Cameras are enabled unless the
// file says otherwise.
func LoadCamerasFile(path string) ([]CameraConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cameras file: %w", err)
	}
	var f camerasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse cameras file %s: %w", path, err)
	}

	seen := make(map[string]bool, len(f.Cameras))
	cams := make([]CameraConfig, 0, len(f.Cameras))
	for i, e := range f.Cameras {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("cameras file %s: entry %d has no id", path, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("cameras file %s: duplicate camera id %q", path, id)
		}
		seen[id] = true

		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		var timeout time.Duration
		if e.ConnectTimeout != "" {
			if timeout, err = time.ParseDuration(e.ConnectTimeout); err != nil {
				return nil, fmt.Errorf("cameras file %s: camera %q: %w", path, id, err)
			}
		}
		cams = append(cams, CameraConfig{
			ID:             id,
			Name:           e.Name,
			RTSPURL:        e.RTSPURL,
			Enabled:        enabled,
			RecordingMode:  RecordingMode(e.RecordingMode),
			RetentionHours: e.RetentionHours,
			SegmentSeconds: e.SegmentSeconds,
			BitrateKbps:    e.BitrateKbps,
			MaxFPS:         e.MaxFPS,
			JPEGQuality:    e.JPEGQuality,
			ConnectTimeout: timeout,
		}.Normalize())
	}
	return cams, nil
}
