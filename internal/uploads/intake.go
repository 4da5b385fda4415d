// Package uploads handles intake of source media. Each accepted file is
// streamed to the uploads directory under a fresh identifier, verified
// against its declared content type, and recorded in the queue store.
package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"syntheme/internal/config"
	"syntheme/internal/logging"
	"syntheme/internal/queue"
	"syntheme/internal/services"
)

// Intake validates and stores incoming media files.
type Intake struct {
	cfg    *config.Config
	store  *queue.Store
	logger *slog.Logger
}

// NewIntake constructs an Intake bound to the configured uploads directory.
func NewIntake(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Intake{cfg: cfg, store: store, logger: logging.WithComponent(logger, "intake")}
}

// Accept streams one upload to disk and records it. The declared size, when
// known, is checked before any bytes are read; the stream itself is counted
// against the same ceiling regardless. A declaredSize of -1 means unknown.
func (i *Intake) Accept(ctx context.Context, r io.Reader, originalName, declaredType string, declaredSize int64) (*queue.Upload, error) {
	maxBytes := i.cfg.MaxUploadBytes()
	if declaredSize > maxBytes {
		return nil, services.Wrap(services.ErrTooLarge, "intake", "accept",
			fmt.Sprintf("declared size %d exceeds limit %d", declaredSize, maxBytes), nil)
	}

	contentType := normalizeContentType(declaredType)
	if !typeAllowed(contentType) {
		return nil, services.Wrap(services.ErrUnsupportedType, "intake", "accept",
			fmt.Sprintf("content type %q", contentType), nil)
	}

	id := uuid.New().String()
	path := filepath.Join(i.cfg.Paths.UploadsDir, id+sanitizeExtension(originalName))

	size, sum, head, err := i.writeFile(path, r, maxBytes)
	if err != nil {
		return nil, err
	}

	if size == 0 {
		removeQuietly(path)
		return nil, services.Wrap(services.ErrValidation, "intake", "accept", "upload is empty", nil)
	}
	if !contentMatches(contentType, head) {
		removeQuietly(path)
		return nil, services.Wrap(services.ErrUnsupportedType, "intake", "accept",
			fmt.Sprintf("file content does not match declared type %q", contentType), nil)
	}

	if existing, err := i.store.FindUploadBySHA256(ctx, sum); err == nil && existing != nil {
		i.logger.Warn("duplicate upload content",
			logging.String(logging.FieldUploadID, id),
			logging.String("duplicate_of", existing.ID))
	}

	upload := &queue.Upload{
		ID:           id,
		OriginalName: sanitizeName(originalName),
		ContentType:  contentType,
		Path:         path,
		SizeBytes:    size,
		SHA256:       sum,
		CreatedAt:    time.Now().UTC(),
	}
	if err := i.store.CreateUpload(ctx, upload); err != nil {
		removeQuietly(path)
		return nil, services.Wrap(services.ErrIO, "intake", "accept", "record upload", err)
	}

	i.logger.Info("upload accepted",
		logging.String(logging.FieldUploadID, id),
		logging.String("name", upload.OriginalName),
		logging.String("content_type", contentType),
		logging.Int64("size_bytes", size))
	return upload, nil
}

// writeFile streams the upload to path while hashing and counting. It stops
// one byte past the ceiling so oversized streams are detected without
// buffering them, and removes the partial file on any failure.
func (i *Intake) writeFile(path string, r io.Reader, maxBytes int64) (int64, string, []byte, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, "", nil, services.Wrap(services.ErrIO, "intake", "accept", "create upload file", err)
	}

	hasher := sha256.New()
	head := &headBuffer{limit: sniffLimit}
	written, err := io.Copy(io.MultiWriter(f, hasher, head), io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()

	switch {
	case err != nil:
		removeQuietly(path)
		return 0, "", nil, services.Wrap(services.ErrIO, "intake", "accept", "store upload", err)
	case closeErr != nil:
		removeQuietly(path)
		return 0, "", nil, services.Wrap(services.ErrIO, "intake", "accept", "store upload", closeErr)
	case written > maxBytes:
		removeQuietly(path)
		return 0, "", nil, services.Wrap(services.ErrTooLarge, "intake", "accept",
			fmt.Sprintf("upload exceeds limit %d", maxBytes), nil)
	}
	return written, hex.EncodeToString(hasher.Sum(nil)), head.data, nil
}

// Remove deletes an upload's file and record. Callers are responsible for
// ensuring no active job still references it.
func (i *Intake) Remove(ctx context.Context, upload *queue.Upload) error {
	if upload == nil {
		return nil
	}
	if err := os.Remove(upload.Path); err != nil && !os.IsNotExist(err) {
		return services.Wrap(services.ErrIO, "intake", "remove", "delete upload file", err)
	}
	if err := i.store.DeleteUpload(ctx, upload.ID); err != nil {
		return services.Wrap(services.ErrIO, "intake", "remove", "delete upload record", err)
	}
	return nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "upload"
	}
	return name
}

func sanitizeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	if ext == "" || len(ext) > 8 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return ext
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}

type headBuffer struct {
	limit int
	data  []byte
}

func (b *headBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if remaining := b.limit - len(b.data); remaining > 0 {
		if len(p) > remaining {
			p = p[:remaining]
		}
		b.data = append(b.data, p...)
	}
	return n, nil
}
