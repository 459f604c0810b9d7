package mcp

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// errMalformedHeader signals that a Content-Length-looking header block
// never produced a usable length; the caller skips the region and keeps
// scanning rather than treating it as a fatal stream error.
var errMalformedHeader = errors.New("mcp: malformed Content-Length header")

var contentLengthLine = regexp.MustCompile(`(?i)^content-length:\s*([0-9]+)\s*$`)

// contentLengthMarker matches any line that starts a Content-Length
// header, well-formed or not, so a malformed one is still treated as a
// header region to skip rather than as a frame body.
var contentLengthMarker = regexp.MustCompile(`(?i)^content-length:`)

// FrameDecoder re-assembles whole JSON-RPC messages out of a byte stream
// that may mix Content-Length-prefixed frames (the LSP convention) and
// plain newline-delimited JSON, discriminating per message as described
// in the frame codec's selection rule: a line that looks like a
// Content-Length header switches that one frame into length-prefixed
// mode; any other non-empty line is the frame verbatim.
type FrameDecoder struct {
	r          *bufio.Reader
	pendingErr error
}

// NewFrameDecoder wraps r for frame-at-a-time reads.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame returns the raw bytes of the next message body. Blank lines
// and malformed header regions are skipped transparently. It returns
// io.EOF (or the underlying read error) once the stream is exhausted.
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	if d.pendingErr != nil {
		err := d.pendingErr
		d.pendingErr = nil
		return nil, err
	}

	for {
		line, err := d.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		if trimmed == "" {
			if err != nil {
				return nil, err
			}
			continue
		}

		if contentLengthMarker.MatchString(trimmed) {
			body, herr := d.readLengthPrefixed(trimmed)
			if herr != nil {
				if errors.Is(herr, errMalformedHeader) {
					continue
				}
				return nil, herr
			}
			if err != nil {
				d.pendingErr = err
			}
			return body, nil
		}

		if err != nil {
			d.pendingErr = err
		}
		return []byte(trimmed), nil
	}
}

// readLengthPrefixed consumes the remainder of a Content-Length header
// block (tolerating any other header lines) and then reads exactly the
// declared number of body bytes.
func (d *FrameDecoder) readLengthPrefixed(firstLine string) ([]byte, error) {
	length := -1
	if m := contentLengthLine.FindStringSubmatch(firstLine); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			length = n
		}
	}

	for {
		line, err := d.r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				return nil, err
			}
			break
		}
		if length == -1 {
			if m := contentLengthLine.FindStringSubmatch(trimmed); m != nil {
				if n, aerr := strconv.Atoi(m[1]); aerr == nil {
					length = n
				}
			}
		}
		if err != nil {
			return nil, err
		}
	}

	if length < 0 {
		return nil, errMalformedHeader
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// FrameWriter serializes concurrent writers onto one output stream,
// always emitting the line-delimited framing regardless of which
// framing the corresponding input side used.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w for atomic, line-delimited message writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteMessage marshals v to JSON and writes it as one line.
func (fw *FrameWriter) WriteMessage(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(b); err != nil {
		return err
	}
	_, err = fw.w.Write([]byte{'\n'})
	return err
}

// WriteRaw writes a pre-encoded frame body, appending the trailing
// newline. Used when forwarding a child's response verbatim.
func (fw *FrameWriter) WriteRaw(body []byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(body); err != nil {
		return err
	}
	_, err := fw.w.Write([]byte{'\n'})
	return err
}
