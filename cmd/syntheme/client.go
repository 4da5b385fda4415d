package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// apiClient speaks the daemon's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string) *apiClient {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type jobPayload struct {
	ID          int64      `json:"id"`
	UploadID    string     `json:"upload_id"`
	Syntheme    string     `json:"syntheme"`
	State       string     `json:"state"`
	ErrorDetail string     `json:"error_detail"`
	ExitCode    *int       `json:"exit_code"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

type themePayload struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Extension   string   `json:"extension"`
	ContentType string   `json:"content_type"`
	Inputs      []string `json:"inputs"`
}

type statusPayload struct {
	Running        int            `json:"running"`
	MaxWorkers     int            `json:"max_workers"`
	Synthemes      int            `json:"synthemes"`
	MaxUploadBytes int64          `json:"max_upload_bytes"`
	Jobs           map[string]int `json:"jobs"`
}

func (c *apiClient) status(ctx context.Context) (*statusPayload, error) {
	var status statusPayload
	if err := c.getJSON(ctx, "/api/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *apiClient) synthemes(ctx context.Context) ([]themePayload, error) {
	var listing struct {
		Synthemes []themePayload `json:"synthemes"`
	}
	if err := c.getJSON(ctx, "/api/synthemes", &listing); err != nil {
		return nil, err
	}
	return listing.Synthemes, nil
}

func (c *apiClient) jobs(ctx context.Context, state string) ([]jobPayload, error) {
	path := "/api/jobs"
	if state != "" {
		path += "?state=" + state
	}
	var listing struct {
		Jobs []jobPayload `json:"jobs"`
	}
	if err := c.getJSON(ctx, path, &listing); err != nil {
		return nil, err
	}
	return listing.Jobs, nil
}

func (c *apiClient) job(ctx context.Context, id int64) (*jobPayload, error) {
	var job jobPayload
	if err := c.getJSON(ctx, fmt.Sprintf("/api/jobs/%d", id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *apiClient) cancel(ctx context.Context, id int64) (*jobPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("%s/api/jobs/%d", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.connectError(err)
	}
	defer resp.Body.Close()

	var job jobPayload
	if err := decodeResponse(resp, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// submit streams a media file to the daemon as a multipart upload.
func (c *apiClient) submit(ctx context.Context, filePath, themeName, contentType string) (*jobPayload, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if contentType == "" {
		contentType = guessContentType(filePath)
	}
	if contentType == "" {
		return nil, fmt.Errorf("cannot infer content type for %s, pass --content-type", filepath.Base(filePath))
	}

	body, writer := io.Pipe()
	form := multipart.NewWriter(writer)
	go func() {
		err := streamForm(form, writer, file, filepath.Base(filePath), themeName, contentType)
		writer.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/jobs", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.connectError(err)
	}
	defer resp.Body.Close()

	var job jobPayload
	if err := decodeResponse(resp, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// fetch downloads a job's artifact to destPath, or next to the current
// directory using the server-suggested name when destPath is empty.
func (c *apiClient) fetch(ctx context.Context, id int64, destPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/jobs/%d/artifact", c.baseURL, id), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.connectError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", responseError(resp)
	}
	if destPath == "" {
		destPath = suggestedFilename(resp.Header.Get("Content-Disposition"), fmt.Sprintf("artifact-%d", id))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		_ = os.Remove(destPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return destPath, nil
}

func streamForm(form *multipart.Writer, w io.Writer, file *os.File, filename, themeName, contentType string) error {
	if err := form.WriteField("syntheme", themeName); err != nil {
		return err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := form.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return form.Close()
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.connectError(err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *apiClient) connectError(err error) error {
	return fmt.Errorf("cannot reach synthemed at %s (is it running?): %w", c.baseURL, err)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return errors.New(payload.Error)
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}

func guessContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	default:
		return ""
	}
}

func suggestedFilename(disposition, fallback string) string {
	const marker = "filename="
	if i := strings.Index(disposition, marker); i >= 0 {
		name := strings.Trim(disposition[i+len(marker):], `"`)
		name = filepath.Base(name)
		if name != "" && name != "." {
			return name
		}
	}
	return fallback
}
