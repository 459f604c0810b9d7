package service

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/goleak"

	"github.com/kazuhideoki/codex-mcp-wrapper/internal/config"
	"github.com/kazuhideoki/codex-mcp-wrapper/pkg/mcp"
)

// recordingWriter captures every message written to the parent so tests
// can assert on exact frames without a real stdout pipe.
type recordingWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newRecordingWriterFrame() (*mcp.FrameWriter, *recordingWriter) {
	rw := &recordingWriter{}
	return mcp.NewFrameWriter(rw), rw
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	return n, err
}

// messages decodes every newline-delimited frame written so far.
func (w *recordingWriter) messages(t *testing.T) []map[string]any {
	t.Helper()
	w.mu.Lock()
	data := append([]byte(nil), w.buf.Bytes()...)
	w.mu.Unlock()

	var out []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("decode recorded frame: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func waitForMessage(t *testing.T, rw *recordingWriter, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, m := range rw.messages(t) {
			if match(m) {
				return m
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for expected message")
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newTestAggregator() (*Aggregator, *recordingWriter) {
	writer, rw := newRecordingWriterFrame()
	agg := NewAggregator(writer, testLogger(), nil, noop.NewTracerProvider().Tracer(""), Config{
		InitTimeout:      200 * time.Millisecond,
		ToolsListTimeout: 200 * time.Millisecond,
	})
	return agg, rw
}

// startFakeChild spins up a ChildClient backed by a fakeProcess and
// registers it with agg, returning the process so the test can play the
// role of that child.
func startFakeChild(t *testing.T, agg *Aggregator, name string) *fakeProcess {
	t.Helper()
	proc := newFakeProcess()
	cc := NewChildClient(config.ChildSpec{Name: name}, proc, testLogger())
	if err := cc.Start(context.Background()); err != nil {
		t.Fatalf("Start %s: %v", name, err)
	}
	agg.AddChild(cc)
	return proc
}

// serveOnce reads exactly one frame sent to the child and replies with
// the given raw response (result or error already embedded).
func serveOnce(t *testing.T, proc *fakeProcess, respond func(id json.RawMessage) *mcp.Response) {
	t.Helper()
	decoder := mcp.NewFrameDecoder(proc.stdinR)
	raw, err := decoder.ReadFrame()
	if err != nil {
		return
	}
	env, _ := mcp.ParseEnvelope(raw)
	writer := mcp.NewFrameWriter(proc.stdoutW)
	_ = writer.WriteMessage(respond(env.ID))
}

func TestAggregatorInitializeNoChildren(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool { return m["id"] != nil })
	result, ok := msg["result"].(map[string]any)
	if !ok {
		t.Fatalf("expected result, got %v", msg)
	}
	if result["protocolVersion"] == "" {
		t.Error("missing protocolVersion")
	}
}

func TestAggregatorInitializeFirstSuccessWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()
	proc := startFakeChild(t, agg, "fs")
	defer proc.exit(0)

	go serveOnce(t, proc, func(id json.RawMessage) *mcp.Response {
		return mcp.NewResult(id, json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"fs-server","version":"1.2.3"}}`))
	})

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":"a","method":"initialize","params":{}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool { return m["id"] == "a" })
	result := msg["result"].(map[string]any)
	if result["protocolVersion"] != "2024-11-05" {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	serverInfo := result["serverInfo"].(map[string]any)
	if serverInfo["name"] != "mcp" {
		t.Errorf("serverInfo.name = %v, want mcp", serverInfo["name"])
	}
	if serverInfo["version"] != "1.2.3" {
		t.Errorf("serverInfo.version lost: %v", serverInfo["version"])
	}
}

func TestAggregatorInitializeAllFailedRepliesWithError(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()
	proc := startFakeChild(t, agg, "fs")
	defer proc.exit(0)

	go serveOnce(t, proc, func(id json.RawMessage) *mcp.Response {
		return mcp.NewErrorResponse(id, &mcp.Error{Code: -32603, Message: "boom"})
	})

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"initialize","params":{}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 2
	})
	if _, ok := msg["error"]; !ok {
		t.Fatalf("expected error response, got %v", msg)
	}
	if _, ok := msg["result"]; ok {
		t.Fatalf("did not expect a synthesized result: %v", msg)
	}
}

func TestAggregatorInitializeTimeoutFallsBackToMinimal(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()
	proc := startFakeChild(t, agg, "slow")
	defer proc.exit(0)

	// Never respond: the child simply never answers within initTimeout.
	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":3,"method":"initialize","params":{}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 3
	})
	if _, ok := msg["result"]; !ok {
		t.Fatalf("expected synthesized result on timeout, got %v", msg)
	}
}

func TestAggregatorToolsListMergesInRegistrationOrderFirstPublisherWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()
	procA := startFakeChild(t, agg, "alpha")
	procB := startFakeChild(t, agg, "beta")
	defer procA.exit(0)
	defer procB.exit(0)

	// beta responds fast but alpha is the first-registered child, so
	// alpha's tools must come first in the merged catalog. Each child's
	// tools are published under its own prefix, so both children's
	// "shared" survive; alpha's second "shared" collides with its first
	// published name and is dropped (first publisher wins).
	go serveOnce(t, procB, func(id json.RawMessage) *mcp.Response {
		return mcp.NewResult(id, json.RawMessage(`{"tools":[{"name":"shared","inputSchema":{"type":"object"}}]}`))
	})
	go func() {
		time.Sleep(20 * time.Millisecond)
		serveOnce(t, procA, func(id json.RawMessage) *mcp.Response {
			return mcp.NewResult(id, json.RawMessage(`{"tools":[{"name":"shared","description":"first","inputSchema":{"type":"object"}},{"name":"only_alpha","inputSchema":{"type":"object"}},{"name":"shared","description":"second","inputSchema":{"type":"object"}}]}`))
		})
	}()

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":4,"method":"tools/list","params":{}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 4
	})
	result := msg["result"].(map[string]any)
	tools := result["tools"].([]any)

	var names []string
	descriptions := map[string]any{}
	for _, raw := range tools {
		tool := raw.(map[string]any)
		names = append(names, tool["name"].(string))
		if _, seen := descriptions[tool["name"].(string)]; !seen {
			descriptions[tool["name"].(string)] = tool["description"]
		}
	}

	want := []string{"alpha__shared", "alpha__only_alpha", "beta__shared"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names = %v, want %v (registration order, duplicate dropped)", names, want)
			break
		}
	}
	if descriptions["alpha__shared"] != "first" {
		t.Errorf("alpha__shared description = %v, want first publisher's \"first\"", descriptions["alpha__shared"])
	}

	agg.mu.Lock()
	route, ok := agg.toolToChild["alpha__shared"]
	agg.mu.Unlock()
	if !ok || route.original != "shared" {
		t.Errorf("toolToChild route missing or wrong: %+v", route)
	}
}

func TestAggregatorToolsCallRoutesAndNotFound(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()
	proc := startFakeChild(t, agg, "fs")
	defer proc.exit(0)

	agg.mu.Lock()
	agg.toolToChild["fs__read_file"] = toolRoute{child: agg.children[0], original: "read_file"}
	agg.mu.Unlock()

	go serveOnce(t, proc, func(id json.RawMessage) *mcp.Response {
		return mcp.NewResult(id, json.RawMessage(`{"content":[{"type":"text","text":"hi"}]}`))
	})

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"fs__read_file","arguments":{}}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 5
	})
	if _, ok := msg["result"]; !ok {
		t.Fatalf("expected routed result, got %v", msg)
	}

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"nonexistent","arguments":{}}}`))
	msg = waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 6
	})
	errObj, ok := msg["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error for unknown tool, got %v", msg)
	}
	if errObj["code"] == nil {
		t.Errorf("missing error code: %v", errObj)
	}
}

func TestAggregatorPingRepliesOK(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"ping"}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 7
	})
	result, ok := msg["result"].(map[string]any)
	if !ok || result["ok"] != true {
		t.Errorf("ping result = %v", msg)
	}
}

func TestAggregatorUnknownMethodNoChildrenIsMethodNotFound(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":8,"method":"resources/list"}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 8
	})
	errObj, ok := msg["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error, got %v", msg)
	}
	if code, _ := errObj["code"].(float64); code != -32601 {
		t.Errorf("code = %v, want -32601", errObj["code"])
	}
}

func TestAggregatorBroadcastNotificationReachesEveryChild(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, _ := newTestAggregator()
	procA := startFakeChild(t, agg, "alpha")
	procB := startFakeChild(t, agg, "beta")
	defer procA.exit(0)
	defer procB.exit(0)

	// Readers must be live before Dispatch: the broadcast writes inline and
	// an io.Pipe write doesn't complete until its reader consumes it.
	frames := make(chan string, 2)
	for _, p := range []*fakeProcess{procA, procB} {
		p := p
		go func() {
			decoder := mcp.NewFrameDecoder(p.stdinR)
			raw, err := decoder.ReadFrame()
			if err != nil {
				frames <- "read error: " + err.Error()
				return
			}
			env, _ := mcp.ParseEnvelope(raw)
			frames <- env.Method
		}()
	}

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{}}`))

	for i := 0; i < 2; i++ {
		select {
		case method := <-frames:
			if method != "notifications/cancelled" {
				t.Errorf("method = %q", method)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("notification never reached every child")
		}
	}
}

func TestAggregatorChildExitFailsForwardedInFlightRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, rw := newTestAggregator()
	proc := startFakeChild(t, agg, "fs")

	agg.mu.Lock()
	agg.toolToChild["fs__read_file"] = toolRoute{child: agg.children[0], original: "read_file"}
	agg.mu.Unlock()

	// The child consumes the forwarded request but dies before answering.
	go func() {
		decoder := mcp.NewFrameDecoder(proc.stdinR)
		_, _ = decoder.ReadFrame()
		proc.exit(1)
	}()

	agg.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"fs__read_file","arguments":{}}}`))

	msg := waitForMessage(t, rw, func(m map[string]any) bool {
		n, ok := m["id"].(float64)
		return ok && n == 9
	})
	errObj, ok := msg["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error for orphaned forwarded request, got %v", msg)
	}
	data, ok := errObj["data"].(map[string]any)
	if !ok || data["kind"] != "spawn_error" {
		t.Errorf("error data = %v, want kind spawn_error", errObj["data"])
	}

	agg.mu.Lock()
	pendingRoutes := len(agg.parentIdToChild)
	pendingCtx := len(agg.parentIdToCtx)
	agg.mu.Unlock()
	if pendingRoutes != 0 || pendingCtx != 0 {
		t.Errorf("routing tables not drained: %d/%d entries left", pendingRoutes, pendingCtx)
	}
}

func TestAggregatorChildExitPrunesToolsAndSignalsDone(t *testing.T) {
	defer goleak.VerifyNone(t)
	agg, _ := newTestAggregator()
	proc := startFakeChild(t, agg, "fs")

	agg.mu.Lock()
	child := agg.children[0]
	agg.toolToChild["fs__read_file"] = toolRoute{child: child, original: "read_file"}
	agg.mu.Unlock()

	proc.exit(7)

	select {
	case code := <-agg.Done():
		if code != 7 {
			t.Errorf("exit code = %d, want 7", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Done never signaled")
	}

	agg.mu.Lock()
	_, stillRouted := agg.toolToChild["fs__read_file"]
	remaining := len(agg.children)
	agg.mu.Unlock()
	if stillRouted {
		t.Error("expected route to dead child to be pruned")
	}
	if remaining != 0 {
		t.Errorf("remaining children = %d, want 0", remaining)
	}
}
