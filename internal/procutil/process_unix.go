//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// GracefulSignals returns the OS signals the root command listens on to
// cancel its run context, so its deferred teardown runs before exit;
// this is not a custom shutdown protocol for children, only this
// process's own signal response.
func GracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// ProcessIsAlive checks whether proc is still running using Signal(0),
// used by StdioProcess.Close to skip killing a child that already
// exited on its own.
func ProcessIsAlive(proc *os.Process) bool {
	if proc == nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
