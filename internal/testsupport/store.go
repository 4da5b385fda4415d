package testsupport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"syntheme/internal/config"
	"syntheme/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewUpload writes content into the uploads area and records it in the
// store, returning the created record.
func NewUpload(t testing.TB, store *queue.Store, cfg *config.Config, content []byte) *queue.Upload {
	t.Helper()

	id := uuid.NewString()
	path := filepath.Join(cfg.Paths.UploadsDir, id+".mp4")
	if err := os.MkdirAll(cfg.Paths.UploadsDir, 0o755); err != nil {
		t.Fatalf("mkdir uploads: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}

	sum := sha256.Sum256(content)
	upload := &queue.Upload{
		ID:           id,
		OriginalName: "test.mp4",
		ContentType:  "video/mp4",
		Path:         path,
		SizeBytes:    int64(len(content)),
		SHA256:       hex.EncodeToString(sum[:]),
		CreatedAt:    time.Now(),
	}
	if err := store.CreateUpload(context.Background(), upload); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	return upload
}

// NewJob creates a queued job for tests.
func NewJob(t testing.TB, store *queue.Store, uploadID, syntheme string) *queue.Job {
	t.Helper()

	job, err := store.NewJob(context.Background(), uploadID, syntheme)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

// WriteTheme places a theme definition file in the configured synthemes
// directory.
func WriteTheme(t testing.TB, cfg *config.Config, stem, content string) {
	t.Helper()

	if err := os.MkdirAll(cfg.Paths.SynthemesDir, 0o755); err != nil {
		t.Fatalf("mkdir synthemes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Paths.SynthemesDir, stem+".toml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write theme: %v", err)
	}
}
