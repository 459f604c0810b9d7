// Package service holds the aggregator's runtime core: one ChildClient
// per live child server, and the Aggregator that fans parent requests
// out across them and merges their responses.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"encoding/json"

	"github.com/google/uuid"

	"github.com/kazuhideoki/codex-mcp-wrapper/internal/config"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/port/outbound"
	"github.com/kazuhideoki/codex-mcp-wrapper/pkg/mcp"
)

// childResult is what a pending aggregator-issued request (initialize,
// tools/list) resolves to: either a result, a JSON-RPC error the child
// returned, or sendErr when no answer ever arrived (the write failed,
// the child died first, or the caller's context ended).
type childResult struct {
	result  json.RawMessage
	err     *mcp.Error
	sendErr error
}

type pendingCall struct {
	method   string
	resultCh chan childResult
}

// ChildClient owns one subprocess connection: the frame codec on its
// stdio pipes, the correlation table for requests this process itself
// issued to the child (as opposed to requests forwarded verbatim on a
// parent's id, which the Aggregator correlates instead), and the
// notification/exit callbacks the Aggregator wires in.
type ChildClient struct {
	spec config.ChildSpec
	key  string
	proc outbound.Process
	log  *slog.Logger

	writer *mcp.FrameWriter

	mu      sync.Mutex
	pending map[string]pendingCall
	closed  bool

	onNotification func(raw []byte)
	onUnmatched    func(cc *ChildClient, raw []byte, env *mcp.Envelope)
	onExit         func(cc *ChildClient, exitCode int)
}

// NewChildClient builds a ChildClient for spec. Start must be called
// before any request can be sent.
func NewChildClient(spec config.ChildSpec, proc outbound.Process, log *slog.Logger) *ChildClient {
	return &ChildClient{
		spec:    spec,
		key:     computeKey(spec),
		proc:    proc,
		log:     log,
		pending: make(map[string]pendingCall),
	}
}

// Key returns the child's tool-name prefix, computed from its logical
// name or the basename of its command.
func (cc *ChildClient) Key() string { return cc.key }

// computeKey lower-cases the name (falling back to the command's
// basename), collapses every run of non [a-z0-9] characters to a
// single underscore, and trims leading/trailing underscores.
func computeKey(spec config.ChildSpec) string {
	base := spec.Name
	if base == "" {
		base = basename(spec.Command)
	}
	lower := strings.ToLower(base)

	var b strings.Builder
	lastWasSep := true // trims a leading separator for free
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastWasSep = false
			continue
		}
		if !lastWasSep {
			b.WriteByte('_')
			lastWasSep = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func basename(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// SetCallbacks wires the Aggregator's handlers for messages this
// ChildClient can't resolve on its own: notifications forwarded
// verbatim, responses to a parent-issued id it doesn't recognize, and
// its own termination.
func (cc *ChildClient) SetCallbacks(
	onNotification func(raw []byte),
	onUnmatched func(cc *ChildClient, raw []byte, env *mcp.Envelope),
	onExit func(cc *ChildClient, exitCode int),
) {
	cc.onNotification = onNotification
	cc.onUnmatched = onUnmatched
	cc.onExit = onExit
}

// Start spawns the child process and begins reading its stdout in the
// background.
func (cc *ChildClient) Start(ctx context.Context) error {
	stdin, stdout, err := cc.proc.Start(ctx)
	if err != nil {
		return err
	}
	cc.writer = mcp.NewFrameWriter(stdin)
	go cc.readLoop(stdout)
	return nil
}

// Request sends a JSON-RPC request this ChildClient itself wants
// answered: an aggregator-issued fan-out call when id is nil (in which
// case a "local-<uuid>" id is minted, keeping local ids disjoint from
// any id a parent could reuse), or a forwarded parent call when id is
// given verbatim.
// It blocks until a response arrives or ctx is done.
func (cc *ChildClient) Request(ctx context.Context, method string, params json.RawMessage, id json.RawMessage) (json.RawMessage, *mcp.Error, error) {
	if id == nil {
		id = cc.nextLocalID()
	}
	key := mcp.IDKey(id)
	resultCh := make(chan childResult, 1)

	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil, nil, fmt.Errorf("child %q: already exited", cc.key)
	}
	cc.pending[key] = pendingCall{method: method, resultCh: resultCh}
	cc.mu.Unlock()

	if err := cc.writer.WriteMessage(mcp.NewRequest(id, method, params)); err != nil {
		cc.mu.Lock()
		delete(cc.pending, key)
		cc.mu.Unlock()
		return nil, nil, err
	}

	select {
	case res := <-resultCh:
		if res.sendErr != nil {
			return nil, nil, res.sendErr
		}
		return res.result, res.err, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// ForwardRequest writes a request using the parent's id verbatim, with
// no local future registered: the response is correlated by the
// Aggregator's parentIdToChild table, not by this client's pending map.
func (cc *ChildClient) ForwardRequest(id json.RawMessage, method string, params json.RawMessage) error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return fmt.Errorf("child %q: already exited", cc.key)
	}
	cc.mu.Unlock()
	return cc.writer.WriteMessage(mcp.NewRequest(id, method, params))
}

// Notify broadcasts a fire-and-forget notification to the child.
func (cc *ChildClient) Notify(method string, params json.RawMessage) error {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return nil // a dead child silently drops notifications, like a closed pipe would
	}
	cc.mu.Unlock()
	return cc.writer.WriteMessage(mcp.NewNotification(method, params))
}

// Close terminates the underlying process. The exit callback still
// fires once readLoop observes the resulting stream close.
func (cc *ChildClient) Close() error {
	return cc.proc.Close()
}

func (cc *ChildClient) nextLocalID() json.RawMessage {
	return mcp.StringID("local-" + uuid.NewString())
}

// readLoop owns the child's stdout for its entire lifetime: every frame
// it produces is dispatched, and once the stream ends (the child
// exited, or its stdout pipe otherwise broke) the client is marked
// closed and every still-pending aggregator-issued call is resolved
// with a synthetic failure.
func (cc *ChildClient) readLoop(stdout io.Reader) {
	decoder := mcp.NewFrameDecoder(stdout)
	for {
		raw, err := decoder.ReadFrame()
		if err != nil {
			break
		}
		cc.handleFrame(raw)
	}
	cc.handleExit()
}

func (cc *ChildClient) handleFrame(raw []byte) {
	env, err := mcp.ParseEnvelope(raw)
	if err != nil {
		cc.log.Debug("malformed frame from child", "child", cc.key, "error", err)
		return
	}

	switch {
	case env.IsNotification():
		if cc.onNotification != nil {
			cc.onNotification(raw)
		}
	case env.IsResponse():
		key := mcp.IDKey(env.ID)
		cc.mu.Lock()
		pc, ok := cc.pending[key]
		if ok {
			delete(cc.pending, key)
		}
		cc.mu.Unlock()

		if ok {
			pc.resultCh <- childResult{result: env.Result, err: env.Error}
			return
		}
		if cc.onUnmatched != nil {
			cc.onUnmatched(cc, raw, env)
		}
	default:
		cc.log.Debug("unexpected request-shaped message from child", "child", cc.key, "method", env.Method)
	}
}

func (cc *ChildClient) handleExit() {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	pending := cc.pending
	cc.pending = make(map[string]pendingCall)
	cc.mu.Unlock()

	for key, pc := range pending {
		pc.resultCh <- childResult{sendErr: fmt.Errorf("child %q exited before answering %s (id %s)", cc.key, pc.method, key)}
	}

	waitErr := cc.proc.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		cc.log.Debug("child process wait", "child", cc.key, "error", waitErr)
	}
	exitCode := cc.proc.ExitCode()

	if cc.onExit != nil {
		cc.onExit(cc, exitCode)
	}
}
