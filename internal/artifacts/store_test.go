package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"syntheme/internal/config"
	"syntheme/internal/queue"
	"syntheme/internal/services"
	"syntheme/internal/testsupport"
)

type fixture struct {
	cfg   *config.Config
	q     *queue.Store
	store *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	q := testsupport.MustOpenStore(t, cfg)
	return &fixture{cfg: cfg, q: q, store: NewStore(cfg, q, nil)}
}

func (f *fixture) runningJob(t *testing.T) *queue.Job {
	t.Helper()
	upload := testsupport.NewUpload(t, f.q, f.cfg, []byte("source"))
	job := testsupport.NewJob(t, f.q, upload.ID, "night-mode")
	if err := f.q.MarkRunning(context.Background(), job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	return job
}

func TestAllocateUsesExtension(t *testing.T) {
	f := newFixture(t)

	id, path := f.store.Allocate(".mp4")
	if id == "" {
		t.Fatal("empty artifact id")
	}
	if filepath.Ext(path) != ".mp4" {
		t.Errorf("path %q should end in .mp4", path)
	}
	if filepath.Dir(path) != f.cfg.Paths.ArtifactsDir {
		t.Errorf("path %q should live in the artifacts dir", path)
	}

	_, fallback := f.store.Allocate("")
	if filepath.Ext(fallback) != ".bin" {
		t.Errorf("fallback path %q should end in .bin", fallback)
	}
}

func TestRegisterAndFetch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.runningJob(t)

	id, path := f.store.Allocate("mp4")
	if err := os.WriteFile(path, []byte("rendered output"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}

	artifact, err := f.store.Register(ctx, job.ID, id, path, "", "video/mp4")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if artifact.SizeBytes != int64(len("rendered output")) {
		t.Errorf("size = %d", artifact.SizeBytes)
	}
	if !artifact.ExpiresAt.After(artifact.CreatedAt) {
		t.Error("expiry should be after creation")
	}

	settled, err := f.q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if settled.State != queue.StateSucceeded {
		t.Errorf("state = %s, want succeeded", settled.State)
	}

	fetched, err := f.store.Fetch(ctx, job.ID)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if fetched.ID != id {
		t.Errorf("fetched id = %s, want %s", fetched.ID, id)
	}
}

func TestRegisterLosesSettleRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.runningJob(t)

	if err := f.q.SettleRunning(ctx, job.ID, queue.StateCancelled, "", nil); err != nil {
		t.Fatalf("SettleRunning: %v", err)
	}

	id, path := f.store.Allocate("mp4")
	if err := os.WriteFile(path, []byte("late output"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}

	_, err := f.store.Register(ctx, job.ID, id, path, "", "video/mp4")
	if !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("losing output file should be removed")
	}
}

func TestFetchWithoutArtifact(t *testing.T) {
	f := newFixture(t)
	job := f.runningJob(t)

	_, err := f.store.Fetch(context.Background(), job.ID)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFetchMissingFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.runningJob(t)

	id, path := f.store.Allocate("mp4")
	if err := os.WriteFile(path, []byte("output"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if _, err := f.store.Register(ctx, job.ID, id, path, "", "video/mp4"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove output: %v", err)
	}

	_, err := f.store.Fetch(ctx, job.ID)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSweepRemovesExpiredArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.runningJob(t)

	id, path := f.store.Allocate("mp4")
	if err := os.WriteFile(path, []byte("output"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	preview := f.store.PreviewPath(id)
	if err := os.WriteFile(preview, []byte("thumb"), 0o644); err != nil {
		t.Fatalf("write preview: %v", err)
	}

	artifact := &queue.Artifact{
		JobID:       job.ID,
		ID:          id,
		Path:        path,
		PreviewPath: preview,
		ContentType: "video/mp4",
		SizeBytes:   6,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:   time.Now().Add(-time.Hour),
	}
	if err := f.q.CompleteJob(ctx, job.ID, artifact); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	sweeper := NewSweeper(f.cfg, f.q, f.store, nil)
	stats := sweeper.SweepOnce(ctx)
	if stats.ArtifactsRemoved != 1 {
		t.Errorf("ArtifactsRemoved = %d, want 1", stats.ArtifactsRemoved)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("artifact file should be gone")
	}
	if _, err := os.Stat(preview); !os.IsNotExist(err) {
		t.Error("preview file should be gone")
	}
	if _, err := f.q.ArtifactForJob(ctx, job.ID); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("record lookup err = %v, want ErrNotFound", err)
	}
}

func TestSweepRemovesExpiredUploads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &queue.Upload{
		ID:           uuid.NewString(),
		OriginalName: "old.mp4",
		ContentType:  "video/mp4",
		Path:         filepath.Join(f.cfg.Paths.UploadsDir, "old.mp4"),
		SizeBytes:    3,
		SHA256:       "abc",
		CreatedAt:    time.Now().Add(-72 * time.Hour),
	}
	if err := os.WriteFile(stale.Path, []byte("old"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	if err := f.q.CreateUpload(ctx, stale); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}

	fresh := testsupport.NewUpload(t, f.q, f.cfg, []byte("fresh"))

	sweeper := NewSweeper(f.cfg, f.q, f.store, nil)
	stats := sweeper.SweepOnce(ctx)
	if stats.UploadsRemoved != 1 {
		t.Errorf("UploadsRemoved = %d, want 1", stats.UploadsRemoved)
	}
	if _, err := os.Stat(stale.Path); !os.IsNotExist(err) {
		t.Error("stale upload file should be gone")
	}
	if _, err := f.q.GetUpload(ctx, fresh.ID); err != nil {
		t.Errorf("fresh upload should survive: %v", err)
	}
}

func TestSweepRemovesUploadWithSettledJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := &queue.Upload{
		ID:          uuid.NewString(),
		ContentType: "video/mp4",
		Path:        filepath.Join(f.cfg.Paths.UploadsDir, "settled.mp4"),
		SizeBytes:   3,
		CreatedAt:   time.Now().Add(-72 * time.Hour),
	}
	if err := os.WriteFile(stale.Path, []byte("old"), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	if err := f.q.CreateUpload(ctx, stale); err != nil {
		t.Fatalf("CreateUpload: %v", err)
	}
	job := testsupport.NewJob(t, f.q, stale.ID, "night-mode")
	if err := f.q.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := f.q.SettleRunning(ctx, job.ID, queue.StateFailed, "engine exploded", nil); err != nil {
		t.Fatalf("SettleRunning: %v", err)
	}

	sweeper := NewSweeper(f.cfg, f.q, f.store, nil)
	stats := sweeper.SweepOnce(ctx)
	if stats.UploadsRemoved != 1 || stats.Errors != 0 {
		t.Fatalf("stats = %+v, want one upload removed and no errors", stats)
	}
	if _, err := f.q.GetUpload(ctx, stale.ID); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("upload record err = %v, want ErrNotFound", err)
	}

	// The settled job row survives with its source reference cleared.
	got, err := f.q.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.UploadID != "" {
		t.Errorf("UploadID = %q, want cleared", got.UploadID)
	}

	again := sweeper.SweepOnce(ctx)
	if again.UploadsRemoved != 0 || again.Errors != 0 {
		t.Errorf("second sweep stats = %+v, want nothing removed", again)
	}
}

func TestSweepReclaimsOrphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan := filepath.Join(f.cfg.Paths.ArtifactsDir, "leftover.mp4")
	if err := os.WriteFile(orphan, []byte("crash leftover"), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	old := time.Now().Add(-2 * f.cfg.SweepInterval())
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	recent := filepath.Join(f.cfg.Paths.ArtifactsDir, "inflight.mp4")
	if err := os.WriteFile(recent, []byte("still writing"), 0o644); err != nil {
		t.Fatalf("write recent: %v", err)
	}

	tracked := testsupport.NewUpload(t, f.q, f.cfg, []byte("tracked"))
	trackedOld := time.Now().Add(-2 * f.cfg.SweepInterval())
	if err := os.Chtimes(tracked.Path, trackedOld, trackedOld); err != nil {
		t.Fatalf("chtimes tracked: %v", err)
	}

	sweeper := NewSweeper(f.cfg, f.q, f.store, nil)
	stats := sweeper.SweepOnce(ctx)
	if stats.OrphansRemoved != 1 {
		t.Errorf("OrphansRemoved = %d, want 1", stats.OrphansRemoved)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("old orphan should be gone")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("recent file should survive the sweep")
	}
	if _, err := os.Stat(tracked.Path); err != nil {
		t.Error("tracked upload file should survive the sweep")
	}
}
