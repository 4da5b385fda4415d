// Package engine abstracts the external media transcoder. The concrete
// implementation shells out to ffmpeg; tests substitute a scripted engine.
package engine

import (
	"context"
)

// Invocation describes one transcode request handed to the engine.
type Invocation struct {
	InputPath  string
	OutputPath string
	Args       []string
}

// Result reports how an engine run terminated.
type Result struct {
	ExitCode   int
	Diagnostic string
}

// Engine runs a single transcode to completion or context cancellation.
type Engine interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}
