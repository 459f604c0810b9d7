// Package mcp adapts a spawned child server (stdio transport) onto the
// outbound Process port; request correlation lives in the service
// package's ChildClient.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/kazuhideoki/codex-mcp-wrapper/internal/config"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/port/outbound"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/procutil"
)

// StdioProcess spawns one child as a subprocess and exposes its stdin
// and stdout as a Process. Stderr is inherited unchanged so the child's
// human-readable diagnostics flow straight through.
type StdioProcess struct {
	spec config.ChildSpec

	mu  sync.Mutex
	cmd *exec.Cmd
}

var _ outbound.Process = (*StdioProcess)(nil)

// NewStdioProcess builds a Process for the given child spec.
func NewStdioProcess(spec config.ChildSpec) *StdioProcess {
	return &StdioProcess{spec: spec}
}

func (p *StdioProcess) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.spec.Command, p.spec.Args...)
	cmd.Env = overlayEnv(os.Environ(), p.spec.Env)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdio process %s: stdin pipe: %w", p.spec.Command, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdio process %s: stdout pipe: %w", p.spec.Command, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	p.cmd = cmd
	return stdin, stdout, nil
}

func (p *StdioProcess) Wait() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return errors.New("stdio process: Wait called before Start")
	}
	return cmd.Wait()
}

// Close tears the child down with a kill, skipping the signal when the
// process already exited on its own (the common case once the read loop
// has seen EOF).
func (p *StdioProcess) Close() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}

	var errs []error
	if cmd.Process != nil && procutil.ProcessIsAlive(cmd.Process) {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExitCode reports the child's exit status. It only means something
// after Wait has returned; until then (or if the child was killed by a
// signal) it reports -1, which callers treat as "unknown" per spec
// "zero if unknown" at termination.
func (p *StdioProcess) ExitCode() int {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// overlayEnv merges the child's env overrides onto a copy of the
// proxy's own environment, later entries winning over earlier ones.
func overlayEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, len(base), len(base)+len(overlay))
	copy(out, base)
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}
