//go:build windows

package procutil

import (
	"os"

	"golang.org/x/sys/windows"
)

// GracefulSignals returns the OS signals the root command listens on.
// Windows only reliably delivers os.Interrupt; there is no SIGTERM.
func GracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// ProcessIsAlive checks whether proc is still running by opening a
// handle and checking its exit code, the Windows equivalent of
// Signal(0).
func ProcessIsAlive(proc *os.Process) bool {
	if proc == nil {
		return false
	}
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	const stillActive = 259
	return exitCode == stillActive
}
