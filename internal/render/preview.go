package render

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/disintegration/imaging"

	"syntheme/internal/engine"
	"syntheme/internal/fileutil"
	"syntheme/internal/logging"
)

const previewWidth = 320

// PreviewGenerator produces a small thumbnail from a rendered video by
// extracting a single frame and scaling it down.
type PreviewGenerator struct {
	engine engine.Engine
	logger *slog.Logger
}

// NewPreviewGenerator builds a generator using the given engine for frame
// extraction.
func NewPreviewGenerator(eng engine.Engine, logger *slog.Logger) *PreviewGenerator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PreviewGenerator{engine: eng, logger: logging.WithComponent(logger, "preview")}
}

// Generate extracts the first frame of sourcePath and writes a resized
// thumbnail to previewPath. The intermediate frame file is always removed.
func (g *PreviewGenerator) Generate(ctx context.Context, sourcePath, previewPath string) error {
	framePath := previewPath + ".frame.png"
	defer func() {
		if err := fileutil.RemoveIfExists(framePath); err != nil {
			g.logger.Warn("failed to remove frame file", logging.String("path", framePath), logging.Error(err))
		}
	}()

	_, err := g.engine.Run(ctx, engine.Invocation{
		InputPath:  sourcePath,
		OutputPath: framePath,
		Args:       []string{"-frames:v", "1", "-q:v", "2"},
	})
	if err != nil {
		return fmt.Errorf("extract frame: %w", err)
	}

	img, err := imaging.Open(framePath)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	thumb := imaging.Resize(img, previewWidth, 0, imaging.Lanczos)
	if err := imaging.Save(thumb, previewPath, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}
