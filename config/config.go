package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all configuration for the application
type Config struct {
	// Storage
	RecordingsDir string
	ClipsDir      string
	DatabasePath  string
	CamerasFile   string // optional YAML seed for the cameras table

	// Server
	ServerPort        string
	PlaylistURIPrefix string

	// Encoder
	FFmpegPath      string
	HardwareAccel   string // none, auto, or a fixed accelerator type
	StartTimeout    time.Duration
	StopGrace       time.Duration
	RestartBase     time.Duration
	RestartMax      time.Duration
	ClipConcurrency int

	// Scheduling
	RetentionSchedule  string
	SupervisorInterval time.Duration
	MonitorInterval    time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// R2 clip archive
	R2Enabled   bool
	R2AccessKey string
	R2SecretKey string
	R2AccountID string
	R2Bucket    string
	R2Region    string
	R2Endpoint  string
	R2BaseURL   string
}

// LoadConfig loads configuration from the environment. A .env file in the
// working directory is read first when present.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		RecordingsDir: getEnv("RECORDINGS_DIR", "./recordings"),
		ClipsDir:      getEnv("CLIPS_DIR", "./clips"),
		DatabasePath:  getEnv("DATABASE_PATH", "./data/simpleye.db"),
		CamerasFile:   getEnv("CAMERAS_FILE", ""),

		ServerPort:        getEnv("APP_PORT", "8000"),
		PlaylistURIPrefix: getEnv("PLAYLIST_URI_PREFIX", "/recordings"),

		FFmpegPath:      getEnv("FFMPEG_PATH", "ffmpeg"),
		HardwareAccel:   getEnv("HARDWARE_ACCEL", "none"),
		StartTimeout:    getEnvDuration("ENCODER_START_TIMEOUT", 15*time.Second),
		StopGrace:       getEnvDuration("STOP_GRACE", 10*time.Second),
		RestartBase:     getEnvDuration("RESTART_BASE_DELAY", 2*time.Second),
		RestartMax:      getEnvDuration("RESTART_MAX_DELAY", 30*time.Second),
		ClipConcurrency: getEnvInt("CLIP_CONCURRENCY", 2),

		RetentionSchedule:  getEnv("RETENTION_SCHEDULE", "@every 5m"),
		SupervisorInterval: getEnvDuration("SUPERVISOR_INTERVAL", 10*time.Second),
		MonitorInterval:    getEnvDuration("MONITOR_INTERVAL", time.Minute),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		R2Enabled:   getEnvBool("R2_ENABLED", false),
		R2AccessKey: getEnv("R2_ACCESS_KEY", ""),
		R2SecretKey: getEnv("R2_SECRET_KEY", ""),
		R2AccountID: getEnv("R2_ACCOUNT_ID", ""),
		R2Bucket:    getEnv("R2_BUCKET", ""),
		R2Region:    getEnv("R2_REGION", "auto"),
		R2Endpoint:  getEnv("R2_ENDPOINT", ""),
		R2BaseURL:   getEnv("R2_BASE_URL", ""),
	}
}

// Validate reports settings the process cannot run with.
func (c Config) Validate() error {
	if c.RecordingsDir == "" || c.ClipsDir == "" {
		return fmt.Errorf("RECORDINGS_DIR and CLIPS_DIR must be set")
	}
	recordings, err := filepath.Abs(c.RecordingsDir)
	if err != nil {
		return err
	}
	clips, err := filepath.Abs(c.ClipsDir)
	if err != nil {
		return err
	}
	// Retention walks the whole recordings tree, clips must live elsewhere.
	if rel, err := filepath.Rel(recordings, clips); err == nil && rel != ".." && !startsWithParent(rel) {
		return fmt.Errorf("CLIPS_DIR %s must not be inside RECORDINGS_DIR %s", clips, recordings)
	}
	if c.ClipConcurrency < 1 {
		return fmt.Errorf("CLIP_CONCURRENCY must be at least 1")
	}
	if c.R2Enabled && (c.R2Bucket == "" || c.R2AccessKey == "" || c.R2SecretKey == "") {
		return fmt.Errorf("R2_ENABLED requires R2_BUCKET, R2_ACCESS_KEY and R2_SECRET_KEY")
	}
	return nil
}

func startsWithParent(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// EnsurePaths creates the storage directories
func EnsurePaths(c Config) error {
	for _, dir := range []string{c.RecordingsDir, c.ClipsDir, filepath.Dir(c.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return b
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil && d > 0 {
		return d
	}
	return fallback
}
