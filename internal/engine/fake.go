package engine

import (
	"context"
	"os"
	"sync"
)

// Fake is a scripted engine used by pipeline and scheduler tests. It records
// invocations and can block until released to simulate long transcodes.
type Fake struct {
	mu          sync.Mutex
	invocations []Invocation

	// Result and Err are returned from Run once any blocking completes.
	Result Result
	Err    error

	// Block, when non-nil, is closed by the test to let Run return.
	Block chan struct{}

	// Started receives one signal per Run call when non-nil.
	Started chan struct{}

	// WriteOutput controls whether Run materializes the output file the way
	// a real transcode would.
	WriteOutput bool
	OutputBytes []byte
}

// Run records the invocation, optionally blocks, and returns the scripted result.
func (f *Fake) Run(ctx context.Context, inv Invocation) (Result, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, inv)
	f.mu.Unlock()

	if f.Started != nil {
		select {
		case f.Started <- struct{}{}:
		case <-ctx.Done():
			return Result{ExitCode: -1}, ctx.Err()
		}
	}

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return Result{ExitCode: -1, Diagnostic: "interrupted"}, ctx.Err()
		}
	}

	if f.WriteOutput && f.Err == nil {
		payload := f.OutputBytes
		if len(payload) == 0 {
			payload = []byte("transcoded")
		}
		if err := os.WriteFile(inv.OutputPath, payload, 0o644); err != nil {
			return Result{ExitCode: -1}, err
		}
	}

	return f.Result, f.Err
}

// Invocations returns a copy of every invocation seen so far.
func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}
