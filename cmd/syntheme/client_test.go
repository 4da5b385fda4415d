package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestClientStatusAndJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/status":
			json.NewEncoder(w).Encode(map[string]any{
				"running": 1, "max_workers": 2, "synthemes": 3,
				"max_upload_bytes": 1048576,
				"jobs":             map[string]int{"queued": 4},
			})
		case "/api/jobs":
			if got := r.URL.Query().Get("state"); got != "queued" {
				t.Errorf("state query = %q", got)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"jobs": []map[string]any{{"id": 7, "syntheme": "night-mode", "state": "queued"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := newAPIClient(server.URL)
	status, err := client.status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.MaxWorkers != 2 || status.Jobs["queued"] != 4 {
		t.Errorf("unexpected status: %+v", status)
	}

	jobs, err := client.jobs(context.Background(), "queued")
	if err != nil {
		t.Fatalf("jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != 7 {
		t.Errorf("unexpected jobs: %+v", jobs)
	}
}

func TestClientSubmitStreamsMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("syntheme"); got != "night-mode" {
			t.Errorf("syntheme field = %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			http.Error(w, "no file", http.StatusBadRequest)
			return
		}
		file.Close()
		if header.Filename != "clip.mp4" {
			t.Errorf("filename = %q", header.Filename)
		}
		if got := header.Header.Get("Content-Type"); got != "video/mp4" {
			t.Errorf("part content type = %q", got)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": 9, "syntheme": "night-mode", "state": "queued"})
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("media"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	client := newAPIClient(server.URL)
	job, err := client.submit(context.Background(), path, "night-mode", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != 9 {
		t.Errorf("job id = %d", job.ID)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "artifact not ready: job 3 is queued"})
	}))
	defer server.Close()

	client := newAPIClient(server.URL)
	_, err := client.cancel(context.Background(), 3)
	if err == nil || err.Error() != "artifact not ready: job 3 is queued" {
		t.Fatalf("err = %v", err)
	}
}

func TestGuessContentType(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":  "video/mp4",
		"CLIP.MOV":  "video/quicktime",
		"a.mkv":     "video/x-matroska",
		"track.mp3": "audio/mpeg",
		"unknown":   "",
	}
	for path, want := range cases {
		if got := guessContentType(path); got != want {
			t.Errorf("guessContentType(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestSuggestedFilename(t *testing.T) {
	got := suggestedFilename(`attachment; filename="abc.mp4"`, "fallback")
	if got != "abc.mp4" {
		t.Errorf("suggested = %q", got)
	}
	if got := suggestedFilename("", "fallback"); got != "fallback" {
		t.Errorf("fallback = %q", got)
	}
}

func TestJobElapsed(t *testing.T) {
	start := time.Now().Add(-90 * time.Second)
	end := start.Add(75 * time.Second)

	if got := jobElapsed(jobPayload{}); got != "" {
		t.Errorf("no start should give empty, got %q", got)
	}
	got := jobElapsed(jobPayload{StartedAt: &start, FinishedAt: &end})
	if got != "1m15s" {
		t.Errorf("elapsed = %q, want 1m15s", got)
	}
}

func TestParseJobID(t *testing.T) {
	if _, err := parseJobID("abc"); err == nil {
		t.Error("non-numeric id should fail")
	}
	if _, err := parseJobID("-4"); err == nil {
		t.Error("negative id should fail")
	}
	id, err := parseJobID(" 12 ")
	if err != nil || id != 12 {
		t.Errorf("parse = %d, %v", id, err)
	}
}
