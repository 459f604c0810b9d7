package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kazuhideoki/codex-mcp-wrapper/internal/domain/proxy"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/metrics"
	"github.com/kazuhideoki/codex-mcp-wrapper/pkg/mcp"
)

// toolRoute is what toolToChild maps a published, prefixed tool name to:
// the child that publishes it and the name the child knows it by.
type toolRoute struct {
	child    *ChildClient
	original string
}

// ctxEntry is what parentIdToCtx remembers about a forwarded request,
// so a later error response can be shaped with the right method and
// tool name.
type ctxEntry struct {
	method   string
	params   json.RawMessage
	toolName string
	start    time.Time
	span     trace.Span
}

// Aggregator is the proxy's core: it owns the live child list, the
// merged tool catalog, and the two correlation tables that let a
// child's asynchronous response find its way back to the parent
// request that caused it.
type Aggregator struct {
	mu              sync.Mutex
	children        []*ChildClient
	toolToChild     map[string]toolRoute
	parentIdToChild map[string]*ChildClient
	parentIdToCtx   map[string]ctxEntry

	writer *mcp.FrameWriter
	log    *slog.Logger
	m      *metrics.Metrics
	tracer trace.Tracer

	initTimeout      time.Duration
	toolsListTimeout time.Duration
	passthrough      bool

	exitCh   chan int
	exitOnce sync.Once
}

// Config bundles the Aggregator's tunables, sourced from the
// recognized environment variables.
type Config struct {
	InitTimeout      time.Duration
	ToolsListTimeout time.Duration
	ErrorPassthrough bool
}

// NewAggregator builds an Aggregator that writes parent-bound frames to
// w. m and tracer may be nil-safe zero values (metrics.Metrics with nil
// collectors is never constructed by this codebase; callers always pass
// metrics.New's result, and a no-op tracer when telemetry is disabled).
func NewAggregator(w *mcp.FrameWriter, log *slog.Logger, m *metrics.Metrics, tracer trace.Tracer, cfg Config) *Aggregator {
	return &Aggregator{
		toolToChild:      make(map[string]toolRoute),
		parentIdToChild:  make(map[string]*ChildClient),
		parentIdToCtx:    make(map[string]ctxEntry),
		writer:           w,
		log:              log,
		m:                m,
		tracer:           tracer,
		initTimeout:      cfg.InitTimeout,
		toolsListTimeout: cfg.ToolsListTimeout,
		passthrough:      cfg.ErrorPassthrough,
		exitCh:           make(chan int, 1),
	}
}

// AddChild registers a successfully started child and wires its
// callbacks back into the aggregator.
func (a *Aggregator) AddChild(cc *ChildClient) {
	cc.SetCallbacks(a.forwardChildNotification, a.onUnmatchedResponse, a.onChildExit)
	a.mu.Lock()
	a.children = append(a.children, cc)
	count := len(a.children)
	a.mu.Unlock()
	if a.m != nil {
		a.m.LiveChildren.Set(float64(count))
	}
}

// Children returns a snapshot of the currently live children, in
// registration order.
func (a *Aggregator) Children() []*ChildClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*ChildClient(nil), a.children...)
}

// Done returns a channel that receives exactly once, with the exit code
// to report, when the live child count reaches zero.
func (a *Aggregator) Done() <-chan int { return a.exitCh }

// Close tears down every live child.
func (a *Aggregator) Close() error {
	for _, c := range a.Children() {
		_ = c.Close()
	}
	return nil
}

// Dispatch decodes one parent-bound frame and routes it. Requests are
// handled in their own goroutine so a slow fan-out never blocks the
// read loop from dispatching the next message, while notifications and
// malformed frames are handled inline since they never suspend.
func (a *Aggregator) Dispatch(ctx context.Context, raw []byte) {
	env, err := mcp.ParseEnvelope(raw)
	if err != nil {
		a.log.Debug("malformed frame from parent", "error", err)
		return
	}

	switch {
	case env.IsRequest():
		go a.handleRequest(ctx, env.ID, env.Method, env.Params)
	case env.IsNotification():
		a.broadcastNotification(env.Method, env.Params)
	default:
		a.log.Debug("unexpected response-shaped message from parent", "id", string(env.ID))
	}
}

func (a *Aggregator) handleRequest(ctx context.Context, id json.RawMessage, method string, params json.RawMessage) {
	switch method {
	case "initialize":
		a.handleInitialize(ctx, id, params)
	case "tools/list":
		a.handleToolsList(ctx, id)
	case "tools/call":
		a.handleToolsCall(ctx, id, params)
	case "ping":
		if a.m != nil {
			a.m.RequestsTotal.WithLabelValues("ping", "ok").Inc()
		}
		a.writeResult(id, json.RawMessage(`{"ok":true}`))
	default:
		a.handleUnknownMethod(id, method, params)
	}
}

func (a *Aggregator) broadcastNotification(method string, params json.RawMessage) {
	for _, c := range a.Children() {
		if err := c.Notify(method, params); err != nil {
			a.log.Debug("notify child failed", "child", c.Key(), "method", method, "error", err)
		}
	}
}

// handleInitialize fans the initialize call out to every live child and
// replies with the first success, coerced so the parent always sees
// this proxy as its server. If the fan-out timeout elapses before any child answers, or
// there are no children at all, it replies with a synthesized minimal
// result instead of an error. If every child answers and none succeed,
// it normalizes and replies with the first child's error.
func (a *Aggregator) handleInitialize(parentCtx context.Context, id, params json.RawMessage) {
	if a.tracer != nil {
		var span trace.Span
		parentCtx, span = a.tracer.Start(parentCtx, "initialize_fanout")
		defer span.End()
	}

	requestedProtocolVersion := extractProtocolVersion(params)
	children := a.Children()

	if len(children) == 0 {
		if a.m != nil {
			a.m.RequestsTotal.WithLabelValues("initialize", "ok").Inc()
		}
		a.writeResult(id, proxy.MinimalInitializeResult(requestedProtocolVersion))
		return
	}

	ctx, cancel := context.WithTimeout(parentCtx, a.initTimeout)
	defer cancel()

	resultCh := make(chan childResult, len(children))
	for _, c := range children {
		c := c
		go func() {
			result, cerr, sendErr := c.Request(ctx, "initialize", params, nil)
			resultCh <- childResult{result: result, err: cerr, sendErr: sendErr}
		}()
	}

	var firstErr *mcp.Error
	for received := 0; received < len(children); received++ {
		select {
		case res := <-resultCh:
			if res.result != nil {
				if a.m != nil {
					a.m.RequestsTotal.WithLabelValues("initialize", "ok").Inc()
				}
				a.writeResult(id, proxy.CoerceInitializeResult(res.result, requestedProtocolVersion))
				return
			}
			if firstErr == nil {
				firstErr = a.normalizeChildOutcome(res, proxy.ErrorContext{Method: "initialize"})
			}
		case <-ctx.Done():
			if a.m != nil {
				a.m.FanoutTimeouts.WithLabelValues("initialize").Inc()
				a.m.RequestsTotal.WithLabelValues("initialize", "timeout").Inc()
			}
			a.writeResult(id, proxy.MinimalInitializeResult(requestedProtocolVersion))
			return
		}
	}

	// Every child answered and none succeeded: reply with the first
	// child's normalized error rather than synthesizing success.
	if a.m != nil {
		a.m.RequestsTotal.WithLabelValues("initialize", "error").Inc()
	}
	a.writeError(id, firstErr)
}

// handleToolsList fans tools/list out to every live child, each bounded
// by its own per-child timeout so one slow child can't hold the rest
// back, merges the successful responses in child-registration order
// (first publisher of a given name wins), prefixes every tool name with
// its child's key, replaces toolToChild wholesale, and normalizes the
// merged schema before replying.
func (a *Aggregator) handleToolsList(parentCtx context.Context, id json.RawMessage) {
	if a.tracer != nil {
		var span trace.Span
		parentCtx, span = a.tracer.Start(parentCtx, "tools_list_fanout")
		defer span.End()
	}

	children := a.Children()
	type listResult struct {
		child *ChildClient
		tools []json.RawMessage
		ok    bool
	}
	results := make([]listResult, len(children))

	var wg sync.WaitGroup
	for i, c := range children {
		wg.Add(1)
		go func(i int, c *ChildClient) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(parentCtx, a.toolsListTimeout)
			defer cancel()

			res, cerr, sendErr := c.Request(ctx, "tools/list", nil, nil)
			if cerr != nil || sendErr != nil {
				if a.m != nil && ctx.Err() == context.DeadlineExceeded {
					a.m.FanoutTimeouts.WithLabelValues("tools/list").Inc()
				}
				a.log.Debug("tools/list failed for child", "child", c.Key(), "error", sendErr, "rpc_error", cerr)
				return
			}
			var parsed struct {
				Tools []json.RawMessage `json:"tools"`
			}
			if err := json.Unmarshal(res, &parsed); err != nil {
				a.log.Debug("tools/list result from child was not parseable", "child", c.Key(), "error", err)
				return
			}
			results[i] = listResult{child: c, tools: parsed.Tools, ok: true}
		}(i, c)
	}
	wg.Wait()

	newRoutes := make(map[string]toolRoute)
	var merged []json.RawMessage
	for _, r := range results {
		if !r.ok {
			continue
		}
		key := r.child.Key()
		for _, toolRaw := range r.tools {
			published, rewritten, ok := prefixToolName(toolRaw, key)
			if !ok {
				merged = append(merged, toolRaw)
				continue
			}
			if _, exists := newRoutes[published]; exists {
				continue // first publisher in child-registration order wins
			}
			originalName, _ := toolNameOf(toolRaw)
			newRoutes[published] = toolRoute{child: r.child, original: originalName}
			merged = append(merged, rewritten)
		}
	}

	a.mu.Lock()
	a.toolToChild = newRoutes
	a.mu.Unlock()

	normalized := proxy.NormalizeToolCatalog(merged)
	result, err := json.Marshal(struct {
		Tools []json.RawMessage `json:"tools"`
	}{Tools: normalized})
	if err != nil {
		if a.m != nil {
			a.m.RequestsTotal.WithLabelValues("tools/list", "error").Inc()
		}
		a.writeResult(id, json.RawMessage(`{"tools":[]}`))
		return
	}
	if a.m != nil {
		a.m.RequestsTotal.WithLabelValues("tools/list", "ok").Inc()
	}
	a.writeResult(id, result)
}

// handleToolsCall routes a tools/call to the child that published the
// requested name, rewriting it back to the child's own name and
// recording the parentIdToChild/parentIdToCtx pair the asynchronous
// response will be correlated through.
func (a *Aggregator) handleToolsCall(ctx context.Context, id, params json.RawMessage) {
	name, err := toolNameFromParams(params)
	if err != nil || name == "" {
		if a.m != nil {
			a.m.ToolCallsTotal.WithLabelValues("not_found").Inc()
			a.m.RequestsTotal.WithLabelValues("tools/call", "error").Inc()
		}
		a.writeError(id, proxy.ToolNotFoundError(name))
		return
	}

	a.mu.Lock()
	route, ok := a.toolToChild[name]
	a.mu.Unlock()
	if !ok {
		if a.m != nil {
			a.m.ToolCallsTotal.WithLabelValues("not_found").Inc()
			a.m.RequestsTotal.WithLabelValues("tools/call", "error").Inc()
		}
		a.writeError(id, proxy.ToolNotFoundError(name))
		return
	}

	rewritten, err := rewriteToolName(params, route.original)
	if err != nil {
		if a.m != nil {
			a.m.ToolCallsTotal.WithLabelValues("send_error").Inc()
			a.m.RequestsTotal.WithLabelValues("tools/call", "error").Inc()
		}
		a.writeError(id, proxy.NormalizeSpawnError(err, proxy.ErrorContext{Method: "tools/call", ToolName: name, ServerName: route.child.Key()}, a.passthrough))
		return
	}

	var span trace.Span
	if a.tracer != nil {
		_, span = a.tracer.Start(ctx, "tools_call_routed")
	}

	key := mcp.IDKey(id)
	a.mu.Lock()
	a.parentIdToChild[key] = route.child
	a.parentIdToCtx[key] = ctxEntry{method: "tools/call", params: params, toolName: name, start: time.Now(), span: span}
	a.mu.Unlock()

	if err := route.child.ForwardRequest(id, "tools/call", rewritten); err != nil {
		a.mu.Lock()
		delete(a.parentIdToChild, key)
		delete(a.parentIdToCtx, key)
		a.mu.Unlock()
		if span != nil {
			span.End()
		}
		if a.m != nil {
			a.m.ToolCallsTotal.WithLabelValues("send_error").Inc()
			a.m.RequestsTotal.WithLabelValues("tools/call", "error").Inc()
		}
		a.writeError(id, proxy.NormalizeSpawnError(err, proxy.ErrorContext{Method: "tools/call", ToolName: name, ServerName: route.child.Key()}, a.passthrough))
		return
	}
	if a.m != nil {
		a.m.ToolCallsTotal.WithLabelValues("routed").Inc()
	}
}

// handleUnknownMethod forwards any method this aggregator doesn't
// special-case to the first live child, on the theory that a single
// logical server is still a common deployment shape for this proxy.
// With no live children it answers Method Not Found itself.
func (a *Aggregator) handleUnknownMethod(id json.RawMessage, method string, params json.RawMessage) {
	children := a.Children()
	if len(children) == 0 {
		if a.m != nil {
			a.m.RequestsTotal.WithLabelValues(method, "error").Inc()
		}
		a.writeError(id, proxy.MethodNotFoundError(method))
		return
	}
	child := children[0]

	key := mcp.IDKey(id)
	a.mu.Lock()
	a.parentIdToChild[key] = child
	a.parentIdToCtx[key] = ctxEntry{method: method, params: params, start: time.Now()}
	a.mu.Unlock()

	if err := child.ForwardRequest(id, method, params); err != nil {
		a.mu.Lock()
		delete(a.parentIdToChild, key)
		delete(a.parentIdToCtx, key)
		a.mu.Unlock()
		if a.m != nil {
			a.m.RequestsTotal.WithLabelValues(method, "error").Inc()
		}
		a.writeError(id, proxy.NormalizeSpawnError(err, proxy.ErrorContext{Method: method, ServerName: child.Key()}, a.passthrough))
	}
}

// onUnmatchedResponse is a ChildClient's callback for a response whose
// id it didn't issue itself: the other half of every forwarded request
// (tools/call, and any unknown method routed to the first live child).
func (a *Aggregator) onUnmatchedResponse(child *ChildClient, raw []byte, env *mcp.Envelope) {
	key := mcp.IDKey(env.ID)

	a.mu.Lock()
	expected, ok := a.parentIdToChild[key]
	var entry ctxEntry
	if ok {
		entry = a.parentIdToCtx[key]
		delete(a.parentIdToChild, key)
		delete(a.parentIdToCtx, key)
	}
	a.mu.Unlock()

	if !ok || expected != child {
		a.log.Debug("dropping response with unrecognized id", "child", child.Key(), "id", key)
		return
	}

	if entry.span != nil {
		entry.span.End()
	}
	if entry.method == "tools/call" && a.m != nil && !entry.start.IsZero() {
		a.m.ToolCallDuration.WithLabelValues(entry.toolName).Observe(time.Since(entry.start).Seconds())
	}

	if env.Error == nil {
		if a.m != nil {
			a.m.RequestsTotal.WithLabelValues(entry.method, "ok").Inc()
		}
		_ = a.writer.WriteRaw(raw)
		return
	}

	if a.m != nil {
		a.m.RequestsTotal.WithLabelValues(entry.method, "error").Inc()
	}
	toolName := entry.toolName
	if toolName == "" && entry.method == "tools/call" {
		toolName, _ = toolNameFromParams(entry.params)
	}
	normalized := proxy.NormalizeChildError(env.Error, proxy.ErrorContext{Method: entry.method, ToolName: toolName, ServerName: child.Key()}, a.passthrough)
	a.writeError(env.ID, normalized)
}

func (a *Aggregator) forwardChildNotification(raw []byte) {
	if err := a.writer.WriteRaw(raw); err != nil {
		a.log.Debug("forward notification to parent failed", "error", err)
	}
}

// onChildExit removes a child from the live set, prunes the tools it
// was the publisher of (they become unreachable, not re-routed), fails
// any forwarded request still waiting on it, and signals Done with the
// process's exit status once the live count reaches zero.
func (a *Aggregator) onChildExit(child *ChildClient, exitCode int) {
	type orphan struct {
		id    json.RawMessage
		entry ctxEntry
	}
	var orphans []orphan

	a.mu.Lock()
	for i, c := range a.children {
		if c == child {
			a.children = append(a.children[:i], a.children[i+1:]...)
			break
		}
	}
	for name, route := range a.toolToChild {
		if route.child == child {
			delete(a.toolToChild, name)
		}
	}
	for key, c := range a.parentIdToChild {
		if c == child {
			orphans = append(orphans, orphan{id: json.RawMessage(key), entry: a.parentIdToCtx[key]})
			delete(a.parentIdToChild, key)
			delete(a.parentIdToCtx, key)
		}
	}
	remaining := len(a.children)
	a.mu.Unlock()

	for _, o := range orphans {
		if o.entry.span != nil {
			o.entry.span.End()
		}
		err := fmt.Errorf("child %q exited before answering %s", child.Key(), o.entry.method)
		a.writeError(o.id, proxy.NormalizeSpawnError(err, proxy.ErrorContext{
			Method:     o.entry.method,
			ToolName:   o.entry.toolName,
			ServerName: child.Key(),
		}, a.passthrough))
	}

	if a.m != nil {
		a.m.LiveChildren.Set(float64(remaining))
	}
	a.log.Warn("child exited", "child", child.Key(), "exit_code", exitCode, "remaining_children", remaining)

	if remaining == 0 {
		a.exitOnce.Do(func() {
			if exitCode < 0 {
				exitCode = 0
			}
			a.exitCh <- exitCode
		})
	}
}

func (a *Aggregator) normalizeChildOutcome(res childResult, ctx proxy.ErrorContext) *mcp.Error {
	if res.sendErr != nil {
		return proxy.NormalizeSpawnError(res.sendErr, ctx, a.passthrough)
	}
	return proxy.NormalizeChildError(res.err, ctx, a.passthrough)
}

func (a *Aggregator) writeResult(id json.RawMessage, result json.RawMessage) {
	if err := a.writer.WriteMessage(mcp.NewResult(id, result)); err != nil {
		a.log.Debug("write result to parent failed", "error", err)
	}
}

func (a *Aggregator) writeError(id json.RawMessage, e *mcp.Error) {
	if err := a.writer.WriteMessage(mcp.NewErrorResponse(id, e)); err != nil {
		a.log.Debug("write error to parent failed", "error", err)
	}
}

func extractProtocolVersion(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(params, &p)
	return p.ProtocolVersion
}

func toolNameOf(toolRaw json.RawMessage) (string, bool) {
	var t struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(toolRaw, &t); err != nil || t.Name == "" {
		return "", false
	}
	return t.Name, true
}

// prefixToolName rewrites one catalog entry's "name" field to
// "<child-key>__<original-name>" and returns the published name
// alongside the re-encoded tool. ok is false when the entry has no
// usable name field, in which case the caller should pass it through
// unchanged rather than drop it.
func prefixToolName(toolRaw json.RawMessage, childKey string) (published string, rewritten json.RawMessage, ok bool) {
	var obj map[string]any
	if err := json.Unmarshal(toolRaw, &obj); err != nil {
		return "", nil, false
	}
	name, isStr := obj["name"].(string)
	if !isStr || name == "" {
		return "", nil, false
	}
	published = childKey + "__" + name
	obj["name"] = published
	encoded, err := json.Marshal(obj)
	if err != nil {
		return "", nil, false
	}
	return published, encoded, true
}

func toolNameFromParams(params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return "", fmt.Errorf("tools/call: missing params")
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", err
	}
	return p.Name, nil
}

func rewriteToolName(params json.RawMessage, original string) (json.RawMessage, error) {
	var obj map[string]any
	if err := json.Unmarshal(params, &obj); err != nil {
		return nil, err
	}
	obj["name"] = original
	return json.Marshal(obj)
}

// RunLoop reads frames from the parent's input stream and dispatches
// them until either ctx is canceled or the live child count reaches
// zero, returning the exit code to report. Parent stream
// EOF alone does not end the loop: in-flight tool calls are still owed
// responses, so the proxy keeps running until its children do.
func (a *Aggregator) RunLoop(ctx context.Context, decoder *mcp.FrameDecoder) (int, error) {
	go func() {
		for {
			raw, err := decoder.ReadFrame()
			if err != nil {
				return
			}
			a.Dispatch(ctx, raw)
		}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case code := <-a.exitCh:
		return code, nil
	}
}
