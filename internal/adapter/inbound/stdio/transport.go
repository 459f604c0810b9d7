// Package stdio adapts the aggregator core onto the proxy process's own
// standard input and output, the only transport this proxy speaks on
// its parent-facing side.
package stdio

import (
	"context"
	"io"

	"github.com/kazuhideoki/codex-mcp-wrapper/internal/port/inbound"
	"github.com/kazuhideoki/codex-mcp-wrapper/internal/service"
	"github.com/kazuhideoki/codex-mcp-wrapper/pkg/mcp"
)

// Transport wraps an Aggregator and drives it off a given input stream,
// writing responses to the FrameWriter the Aggregator was built with.
type Transport struct {
	aggregator *service.Aggregator
	in         io.Reader
}

var _ inbound.ProxyService = (*Transport)(nil)

// NewTransport builds a Transport reading parent frames from in.
func NewTransport(aggregator *service.Aggregator, in io.Reader) *Transport {
	return &Transport{aggregator: aggregator, in: in}
}

// Run decodes frames from the parent input stream and dispatches them
// to the aggregator until ctx is canceled or every child has exited.
func (t *Transport) Run(ctx context.Context) (int, error) {
	decoder := mcp.NewFrameDecoder(t.in)
	return t.aggregator.RunLoop(ctx, decoder)
}

// Close tears down every live child.
func (t *Transport) Close() error {
	return t.aggregator.Close()
}
