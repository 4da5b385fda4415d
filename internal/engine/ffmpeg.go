package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"syntheme/internal/logging"
)

const stderrTailLimit = 4096

// FFmpeg executes transcodes by invoking the ffmpeg binary.
type FFmpeg struct {
	binary string
	logger *slog.Logger
}

// NewFFmpeg returns an engine backed by the given ffmpeg binary.
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FFmpeg{binary: binary, logger: logging.WithComponent(logger, "engine")}
}

// Run invokes ffmpeg and waits for it to exit. A cancelled context kills the
// process; the returned error then wraps the context error so callers can
// distinguish cancellation from engine failure.
func (f *FFmpeg) Run(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(inv.InputPath) == "" || strings.TrimSpace(inv.OutputPath) == "" {
		return Result{}, errors.New("engine run: input and output paths are required")
	}

	argv := make([]string, 0, len(inv.Args)+6)
	argv = append(argv, "-y", "-hide_banner", "-i", inv.InputPath)
	argv = append(argv, inv.Args...)
	argv = append(argv, inv.OutputPath)

	cmd := exec.CommandContext(ctx, f.binary, argv...)
	tail := &tailBuffer{limit: stderrTailLimit}
	cmd.Stderr = tail
	cmd.WaitDelay = 5 * time.Second

	f.logger.Info("starting transcode",
		logging.String("input", inv.InputPath),
		logging.String("output", inv.OutputPath),
		logging.Int("args", len(inv.Args)))

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := Result{ExitCode: exitCode(cmd, err), Diagnostic: tail.String()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		f.logger.Info("transcode interrupted", logging.Duration("elapsed", elapsed))
		return result, fmt.Errorf("engine interrupted: %w", ctxErr)
	}
	if err != nil {
		f.logger.Warn("transcode failed",
			logging.Int("exit_code", result.ExitCode),
			logging.Duration("elapsed", elapsed))
		return result, fmt.Errorf("engine exited with code %d: %w", result.ExitCode, err)
	}

	f.logger.Info("transcode complete", logging.Duration("elapsed", elapsed))
	return result, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// tailBuffer keeps only the most recent bytes written to it so a chatty
// ffmpeg run cannot grow diagnostics without bound.
type tailBuffer struct {
	limit int
	data  []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.limit {
		b.data = b.data[len(b.data)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	return strings.TrimSpace(string(b.data))
}
