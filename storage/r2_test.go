package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewR2Storage(t *testing.T) {
	r2, err := NewR2Storage(R2Config{
		AccessKey: "test-access-key",
		SecretKey: "test-secret-key",
		AccountID: "test-account-id",
		Bucket:    "test-bucket",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://test-account-id.r2.cloudflarestorage.com", r2.config.Endpoint)
	assert.Equal(t, "auto", r2.config.Region)
	assert.Equal(t, "https://test-account-id.r2.cloudflarestorage.com/test-bucket", r2.GetBaseURL())

	r2, err = NewR2Storage(R2Config{Endpoint: "https://custom.endpoint.com", Bucket: "b", BaseURL: "https://media.example.com/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://custom.endpoint.com", r2.config.Endpoint)
	assert.Equal(t, "https://media.example.com/clips/a.mp4", r2.PublicURL("/clips/a.mp4"))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentType("a/b.MP4"))
	assert.Equal(t, "video/mp2t", ContentType("index3.ts"))
	assert.Equal(t, "application/octet-stream", ContentType("notes"))
}

// fakeS3 records requests against a path style bucket.
type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	status   int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if f.status != 0 {
		w.WriteHeader(f.status)
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}
	if r.Method == http.MethodPut {
		f.bodies[r.URL.Path] = string(body)
		w.Header().Set("ETag", `"etag"`)
	}
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func newFakeR2(t *testing.T) (*R2Storage, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bodies: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	r2, err := NewR2Storage(R2Config{
		AccessKey: "k",
		SecretKey: "s",
		Bucket:    "clips",
		Endpoint:  srv.URL,
		BaseURL:   "https://media.example.com",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	r2.retryDelay = time.Millisecond
	return r2, fake
}

func TestUploadAndDelete(t *testing.T) {
	r2, fake := newFakeR2(t)
	local := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(local, []byte("fake mp4 content"), 0o644))

	url, err := r2.UploadFile(context.Background(), local, "clips/gate/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://media.example.com/clips/gate/clip.mp4", url)
	assert.Equal(t, "fake mp4 content", fake.bodies["/clips/clips/gate/clip.mp4"])

	require.NoError(t, r2.DeleteObject(context.Background(), "clips/gate/clip.mp4"))
	assert.Contains(t, fake.requests, "DELETE /clips/clips/gate/clip.mp4")
}

func TestUploadRetries(t *testing.T) {
	r2, fake := newFakeR2(t)
	fake.status = http.StatusForbidden
	local := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	_, err := r2.UploadFile(context.Background(), local, "clips/a.mp4")
	require.Error(t, err)
	assert.Len(t, fake.requests, maxUploadAttempts)

	_, err = r2.UploadFile(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"), "x")
	assert.Error(t, err)
}
