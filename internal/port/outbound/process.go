// Package outbound defines the outbound port interfaces the core
// domain depends on for reaching a child server.
package outbound

import (
	"context"
	"io"
)

// Process is the outbound port for a spawned child server. Adapters
// implement this for the transport a child speaks; this codebase ships
// only a stdio adapter, but the port keeps the spawn mechanism
// substitutable and lets tests stand in an in-memory process.
type Process interface {
	// Start launches the child and returns its standard input (for
	// sending) and standard output (for receiving).
	Start(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Wait blocks until the child terminates.
	Wait() error

	// Close terminates the child and releases its resources.
	Close() error

	// ExitCode returns the child's exit status once Wait has returned,
	// or -1 if that isn't known (Wait hasn't been called yet, or the
	// child was killed by a signal with no reportable exit code).
	ExitCode() int
}
