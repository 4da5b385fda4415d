package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"syntheme/internal/queue"
	"syntheme/internal/services"
	"syntheme/internal/testsupport"
)

func TestOpenCreatesSchemaAndRoundTripsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	upload := testsupport.NewUpload(t, store, cfg, []byte("payload"))

	job, err := store.NewJob(ctx, upload.ID, "vhs")
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if job.ID == 0 || job.State != queue.StateQueued {
		t.Fatalf("unexpected job: %#v", job)
	}

	fetched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.UploadID != upload.ID || fetched.Syntheme != "vhs" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}
}

func TestGetJobMissingIsNotFound(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	if _, err := store.GetJob(context.Background(), 9999); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestTransitionsAreMonotonic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	upload := testsupport.NewUpload(t, store, cfg, []byte("payload"))
	job := testsupport.NewJob(t, store, upload.ID, "vhs")

	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := store.MarkRunning(ctx, job.ID); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("second MarkRunning should conflict, got %v", err)
	}

	if err := store.SettleRunning(ctx, job.ID, queue.StateFailed, "engine exited", nil); err != nil {
		t.Fatalf("SettleRunning: %v", err)
	}
	if err := store.SettleRunning(ctx, job.ID, queue.StateCancelled, "", nil); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("settling a terminal job should conflict, got %v", err)
	}

	fetched, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if fetched.State != queue.StateFailed || fetched.ErrorDetail != "engine exited" {
		t.Fatalf("unexpected settled job: %#v", fetched)
	}
	if fetched.FinishedAt == nil {
		t.Fatal("finished_at should be set")
	}
}

func TestCancelQueuedSkipsRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	upload := testsupport.NewUpload(t, store, cfg, []byte("payload"))
	job := testsupport.NewJob(t, store, upload.ID, "vhs")

	if err := store.CancelQueued(ctx, job.ID); err != nil {
		t.Fatalf("CancelQueued: %v", err)
	}
	if err := store.MarkRunning(ctx, job.ID); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("cancelled job must not start, got %v", err)
	}

	fetched, _ := store.GetJob(ctx, job.ID)
	if fetched.State != queue.StateCancelled || fetched.StartedAt != nil {
		t.Fatalf("expected cancelled-without-start, got %#v", fetched)
	}
}

func TestCompleteJobRegistersArtifactAtomically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	upload := testsupport.NewUpload(t, store, cfg, []byte("payload"))
	job := testsupport.NewJob(t, store, upload.ID, "vhs")
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	artifact := &queue.Artifact{
		JobID:       job.ID,
		ID:          uuid.NewString(),
		Path:        cfg.Paths.ArtifactsDir + "/out.mp4",
		ContentType: "video/mp4",
		SizeBytes:   42,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.CompleteJob(ctx, job.ID, artifact); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	fetched, err := store.ArtifactForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ArtifactForJob: %v", err)
	}
	if fetched.SizeBytes != 42 {
		t.Fatalf("unexpected artifact: %#v", fetched)
	}

	// A second settle attempt loses and must not insert another artifact.
	if err := store.CompleteJob(ctx, job.ID, artifact); !errors.Is(err, queue.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestExpiredUploadsRespectActiveJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	busy := testsupport.NewUpload(t, store, cfg, []byte("busy"))
	idle := testsupport.NewUpload(t, store, cfg, []byte("idle"))
	testsupport.NewJob(t, store, busy.ID, "vhs")

	cutoff := time.Now().Add(time.Minute)
	expired, err := store.ExpiredUploads(ctx, cutoff)
	if err != nil {
		t.Fatalf("ExpiredUploads: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != idle.ID {
		t.Fatalf("expected only the idle upload, got %#v", expired)
	}
}

func TestParseState(t *testing.T) {
	if state, ok := queue.ParseState(" Timed_Out "); !ok || state != queue.StateTimedOut {
		t.Fatalf("ParseState failed: %v %v", state, ok)
	}
	if _, ok := queue.ParseState("nope"); ok {
		t.Fatal("expected unknown state to fail")
	}
}

func TestKnownPathsCoversUploadsAndArtifacts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	upload := testsupport.NewUpload(t, store, cfg, []byte("payload"))
	job := testsupport.NewJob(t, store, upload.ID, "vhs")
	if err := store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	artifact := &queue.Artifact{
		JobID:       job.ID,
		ID:          uuid.NewString(),
		Path:        cfg.Paths.ArtifactsDir + "/out.mp4",
		PreviewPath: cfg.Paths.ArtifactsDir + "/out.jpg",
		ContentType: "video/mp4",
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.CompleteJob(ctx, job.ID, artifact); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	paths, err := store.KnownPaths(ctx)
	if err != nil {
		t.Fatalf("KnownPaths: %v", err)
	}
	for _, want := range []string{upload.Path, artifact.Path, artifact.PreviewPath} {
		if _, ok := paths[want]; !ok {
			t.Fatalf("missing path %s in %v", want, paths)
		}
	}
}
