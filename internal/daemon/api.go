package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"syntheme/internal/logging"
	"syntheme/internal/pipeline"
	"syntheme/internal/queue"
	"syntheme/internal/services"
	"syntheme/internal/synthemes"
)

// multipartMemoryLimit bounds how much of a multipart body is held in
// memory; everything past it spills to temp files.
const multipartMemoryLimit = 8 << 20

type api struct {
	service *pipeline.Service
	maxBody int64
	logger  *slog.Logger
}

// NewRouter builds the HTTP surface over the pipeline service.
func NewRouter(service *pipeline.Service, maxUploadBytes int64, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	a := &api{
		service: service,
		// Multipart framing adds overhead beyond the file itself.
		maxBody: maxUploadBytes + (1 << 20),
		logger:  logging.WithComponent(logger, "api"),
	}

	r := chi.NewRouter()
	r.Get("/api/status", a.getStatus)
	r.Get("/api/synthemes", a.listSynthemes)
	r.Post("/api/jobs", a.createJob)
	r.Get("/api/jobs", a.listJobs)
	r.Get("/api/jobs/{jobID}", a.getJob)
	r.Delete("/api/jobs/{jobID}", a.cancelJob)
	r.Get("/api/jobs/{jobID}/artifact", a.getArtifact)
	return r
}

type jobPayload struct {
	ID          int64      `json:"id"`
	UploadID    string     `json:"upload_id"`
	Syntheme    string     `json:"syntheme"`
	State       string     `json:"state"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func toJobPayload(job *queue.Job) jobPayload {
	return jobPayload{
		ID:          job.ID,
		UploadID:    job.UploadID,
		Syntheme:    job.Syntheme,
		State:       string(job.State),
		ErrorDetail: job.ErrorDetail,
		ExitCode:    job.ExitCode,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		FinishedAt:  job.FinishedAt,
	}
}

type themePayload struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Extension   string   `json:"extension"`
	ContentType string   `json:"content_type"`
	Inputs      []string `json:"inputs,omitempty"`
}

func toThemePayload(theme synthemes.Syntheme) themePayload {
	return themePayload{
		Name:        theme.Name(),
		Title:       theme.Title(),
		Description: theme.Description(),
		Extension:   theme.Extension(),
		ContentType: theme.ContentType(),
		Inputs:      theme.Inputs(),
	}
}

func (a *api) createJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		a.writeError(w, http.StatusBadRequest, "expected multipart form with file and syntheme fields")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	themeName := strings.TrimSpace(r.FormValue("syntheme"))
	if themeName == "" {
		a.writeError(w, http.StatusBadRequest, "syntheme field is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	job, err := a.service.CreateJob(r.Context(), file, header.Filename, partContentType(header), header.Size, themeName)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, toJobPayload(job))
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	var states []queue.State
	if raw := strings.TrimSpace(r.URL.Query().Get("state")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			state, ok := queue.ParseState(part)
			if !ok {
				a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", part))
				return
			}
			states = append(states, state)
		}
	}

	jobs, err := a.service.Jobs(r.Context(), states...)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	payload := make([]jobPayload, 0, len(jobs))
	for _, job := range jobs {
		payload = append(payload, toJobPayload(job))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"jobs": payload})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	job, err := a.service.Job(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toJobPayload(job))
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	job, err := a.service.Cancel(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, toJobPayload(job))
}

func (a *api) getArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobID(w, r)
	if !ok {
		return
	}
	artifact, err := a.service.Artifact(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", artifact.ID+extensionOf(artifact.Path)))
	http.ServeFile(w, r, artifact.Path)
}

func (a *api) listSynthemes(w http.ResponseWriter, r *http.Request) {
	themes := a.service.Synthemes()
	payload := make([]themePayload, 0, len(themes))
	for _, theme := range themes {
		payload = append(payload, toThemePayload(theme))
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"synthemes": payload})
}

func (a *api) getStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := a.service.Status(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	counts := make(map[string]int, len(summary.Counts))
	for state, count := range summary.Counts {
		counts[string(state)] = count
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"running":          summary.Active,
		"max_workers":      summary.MaxWorkers,
		"synthemes":        summary.ThemeCount,
		"max_upload_bytes": summary.UploadLimit,
		"jobs":             counts,
	})
}

func (a *api) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "jobID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job id %q", raw))
		return 0, false
	}
	return id, true
}

func (a *api) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrTooLarge):
		a.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, services.ErrUnsupportedType):
		a.writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, services.ErrValidation):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrNotReady), errors.Is(err, queue.ErrConflict):
		a.writeError(w, http.StatusConflict, err.Error())
	default:
		a.logger.Error("request failed", logging.Error(err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("response encode failed", logging.Error(err))
	}
}

func (a *api) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]any{"error": message})
}

func partContentType(header *multipart.FileHeader) string {
	if header == nil {
		return ""
	}
	return header.Header.Get("Content-Type")
}

func extensionOf(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i:]
	}
	return ""
}
