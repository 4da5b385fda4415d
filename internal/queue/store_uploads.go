package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"syntheme/internal/services"
)

// CreateUpload inserts an upload record.
func (s *Store) CreateUpload(ctx context.Context, upload *Upload) error {
	if upload == nil || upload.ID == "" {
		return errors.New("upload id is required")
	}
	_, err := s.execWithRetry(ctx,
		`INSERT INTO uploads (id, original_name, content_type, path, size_bytes, sha256, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		upload.ID,
		upload.OriginalName,
		upload.ContentType,
		upload.Path,
		upload.SizeBytes,
		upload.SHA256,
		formatTime(upload.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// GetUpload fetches an upload by id.
func (s *Store) GetUpload(ctx context.Context, id string) (*Upload, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, original_name, content_type, path, size_bytes, sha256, created_at
         FROM uploads WHERE id = ?`, id)
	upload, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "queue", "get upload", fmt.Sprintf("upload %s", id), nil)
	}
	return upload, err
}

// FindUploadBySHA256 returns an earlier upload with identical content, if any.
func (s *Store) FindUploadBySHA256(ctx context.Context, sum string) (*Upload, error) {
	if sum == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT id, original_name, content_type, path, size_bytes, sha256, created_at
         FROM uploads WHERE sha256 = ? ORDER BY created_at LIMIT 1`, sum)
	upload, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return upload, err
}

// DeleteUpload removes an upload record.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	_, err := s.execWithRetry(ctx, "DELETE FROM uploads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	return nil
}

// ExpiredUploads returns uploads created before cutoff with no queued or
// running jobs referencing them.
func (s *Store) ExpiredUploads(ctx context.Context, cutoff time.Time) ([]*Upload, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		`SELECT u.id, u.original_name, u.content_type, u.path, u.size_bytes, u.sha256, u.created_at
         FROM uploads u
         WHERE u.created_at < ?
           AND NOT EXISTS (
             SELECT 1 FROM jobs j
             WHERE j.upload_id = u.id AND j.state IN (?, ?)
           )
         ORDER BY u.created_at`,
		formatTime(cutoff), StateQueued, StateRunning)
	if err != nil {
		return nil, fmt.Errorf("query expired uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*Upload
	for rows.Next() {
		upload, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, upload)
	}
	return uploads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUpload(row rowScanner) (*Upload, error) {
	var (
		upload    Upload
		createdAt string
	)
	if err := row.Scan(&upload.ID, &upload.OriginalName, &upload.ContentType, &upload.Path,
		&upload.SizeBytes, &upload.SHA256, &createdAt); err != nil {
		return nil, err
	}
	ts, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse upload created_at: %w", err)
	}
	upload.CreatedAt = ts
	return &upload, nil
}
