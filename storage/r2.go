// Package storage archives finished clips to Cloudflare R2 through its S3
// compatible API.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go.uber.org/zap"

	"simpleye/logging"
)

// R2Config holds configuration for Cloudflare R2 storage
type R2Config struct {
	AccessKey string
	SecretKey string
	AccountID string
	Bucket    string
	Endpoint  string
	Region    string
	BaseURL   string // public URL prefix of the bucket, e.g. https://media.example.com
}

const (
	// Parts of 10 MB, the minimum allowed is 5 MB.
	uploadPartSize = 10 * 1024 * 1024

	maxUploadAttempts = 3
)

// R2Storage uploads and deletes objects in one bucket.
type R2Storage struct {
	config   R2Config
	client   *s3.S3
	uploader *s3manager.Uploader
	log      *zap.Logger

	// retryDelay is the base of the exponential wait between attempts.
	retryDelay time.Duration
}

// NewR2Storage creates a new R2Storage instance
func NewR2Storage(config R2Config, logger *zap.Logger) (*R2Storage, error) {
	if config.Region == "" {
		config.Region = "auto"
	}
	if config.Endpoint == "" && config.AccountID != "" {
		config.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", config.AccountID)
	}

	sess, err := session.NewSession(&aws.Config{
		Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, ""),
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	// One connection at a time so archiving never starves the camera streams.
	uploader := s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		u.PartSize = uploadPartSize
		u.Concurrency = 1
	})

	return &R2Storage{
		config:     config,
		client:     s3.New(sess),
		uploader:   uploader,
		log:        logging.OrNop(logger).Named("r2"),
		retryDelay: time.Second,
	}, nil
}

// ContentType guesses the MIME type of an archived file.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4":
		return "video/mp4"
	case ".ts":
		return "video/mp2t"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	return "application/octet-stream"
}

// UploadFile uploads localPath as remotePath and returns its public URL.
// Failed attempts are retried with exponential backoff.
func (r *R2Storage) UploadFile(ctx context.Context, localPath, remotePath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}
	metadata := map[string]*string{
		"OriginalFileName": aws.String(filepath.Base(localPath)),
		"UploadedAt":       aws.String(time.Now().UTC().Format(time.RFC3339)),
		"FileSize":         aws.String(fmt.Sprintf("%d", info.Size())),
	}

	var lastErr error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		if _, err := file.Seek(0, 0); err != nil {
			return "", fmt.Errorf("failed to seek to beginning of file: %w", err)
		}
		_, lastErr = r.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(r.config.Bucket),
			Key:         aws.String(remotePath),
			Body:        file,
			ContentType: aws.String(ContentType(localPath)),
			Metadata:    metadata,
		})
		if lastErr == nil {
			break
		}
		r.log.Warn("upload attempt failed",
			zap.String("key", remotePath),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		if attempt == maxUploadAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.retryDelay << uint(attempt)):
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("failed to upload file to R2 after %d attempts: %w", maxUploadAttempts, lastErr)
	}

	url := r.PublicURL(remotePath)
	r.log.Info("file uploaded",
		zap.String("key", remotePath),
		zap.Float64("mb", float64(info.Size())/1024/1024),
		zap.String("url", url))
	return url, nil
}

// DeleteObject deletes an object from the R2 bucket
func (r *R2Storage) DeleteObject(ctx context.Context, key string) error {
	_, err := r.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// GetBaseURL returns the base URL for the R2 bucket
func (r *R2Storage) GetBaseURL() string {
	if r.config.BaseURL != "" {
		return strings.TrimRight(r.config.BaseURL, "/")
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(r.config.Endpoint, "/"), r.config.Bucket)
}

// PublicURL is the address an archived object is served from.
func (r *R2Storage) PublicURL(key string) string {
	return r.GetBaseURL() + "/" + strings.TrimLeft(key, "/")
}
