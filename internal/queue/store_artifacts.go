package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"syntheme/internal/services"
)

const artifactColumns = "job_id, id, path, preview_path, content_type, size_bytes, created_at, expires_at"

// ArtifactForJob fetches the artifact registered for a job.
func (s *Store) ArtifactForJob(ctx context.Context, jobID int64) (*Artifact, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		"SELECT "+artifactColumns+" FROM artifacts WHERE job_id = ?", jobID)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "get artifact", fmt.Sprintf("job %d", jobID), nil)
	}
	return artifact, err
}

// DeleteArtifact removes an artifact record by owning job id.
func (s *Store) DeleteArtifact(ctx context.Context, jobID int64) error {
	_, err := s.execWithRetry(ctx, "DELETE FROM artifacts WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// ExpiredArtifacts returns artifacts whose expiry time passed before now.
func (s *Store) ExpiredArtifacts(ctx context.Context, now time.Time) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+artifactColumns+" FROM artifacts WHERE expires_at < ? ORDER BY expires_at",
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query expired artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// KnownPaths returns every file path the store currently tracks: upload
// files, artifact files, and artifact previews. The sweep uses this set to
// recognize orphans left by crashes.
func (s *Store) KnownPaths(ctx context.Context) (map[string]struct{}, error) {
	paths := make(map[string]struct{})

	collect := func(query string) error {
		rows, err := s.db.QueryContext(ensureContext(ctx), query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				return err
			}
			if path != "" {
				paths[path] = struct{}{}
			}
		}
		return rows.Err()
	}

	if err := collect("SELECT path FROM uploads"); err != nil {
		return nil, fmt.Errorf("collect upload paths: %w", err)
	}
	if err := collect("SELECT path FROM artifacts"); err != nil {
		return nil, fmt.Errorf("collect artifact paths: %w", err)
	}
	if err := collect("SELECT preview_path FROM artifacts WHERE preview_path != ''"); err != nil {
		return nil, fmt.Errorf("collect preview paths: %w", err)
	}
	return paths, nil
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		artifact  Artifact
		createdAt string
		expiresAt string
	)
	if err := row.Scan(&artifact.JobID, &artifact.ID, &artifact.Path, &artifact.PreviewPath,
		&artifact.ContentType, &artifact.SizeBytes, &createdAt, &expiresAt); err != nil {
		return nil, err
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse artifact created_at: %w", err)
	}
	artifact.CreatedAt = created

	expires, err := parseTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse artifact expires_at: %w", err)
	}
	artifact.ExpiresAt = expires
	return &artifact, nil
}
