package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func lengthPrefixed(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestFrameDecoderLineDelimited(t *testing.T) {
	input := "{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n\n{\"jsonrpc\":\"2.0\",\"id\":2,\"method\":\"tools/list\"}\r\n"
	d := NewFrameDecoder(strings.NewReader(input))

	frame, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame #1: %v", err)
	}
	if !bytes.Contains(frame, []byte(`"method":"ping"`)) {
		t.Errorf("frame #1 = %s, want ping request", frame)
	}

	frame, err = d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame #2: %v", err)
	}
	if !bytes.Contains(frame, []byte(`"method":"tools/list"`)) {
		t.Errorf("frame #2 = %s, want tools/list request", frame)
	}
}

func TestFrameDecoderLengthPrefixed(t *testing.T) {
	body1 := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	body2 := `{"jsonrpc":"2.0","id":2,"result":{"ok":true}}`
	input := lengthPrefixed(body1) + lengthPrefixed(body2)

	d := NewFrameDecoder(strings.NewReader(input))

	frame, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame #1: %v", err)
	}
	if string(frame) != body1 {
		t.Errorf("frame #1 = %s, want %s", frame, body1)
	}

	frame, err = d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame #2: %v", err)
	}
	if string(frame) != body2 {
		t.Errorf("frame #2 = %s, want %s", frame, body2)
	}
}

func TestFrameDecoderMixedStream(t *testing.T) {
	lineBody := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	lpBody := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`
	input := lineBody + "\n" + lengthPrefixed(lpBody) + `{"jsonrpc":"2.0","id":3,"method":"ping"}` + "\n"

	d := NewFrameDecoder(strings.NewReader(input))
	want := []string{lineBody, lpBody, `{"jsonrpc":"2.0","id":3,"method":"ping"}`}
	for i, w := range want {
		frame, err := d.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		if string(frame) != w {
			t.Errorf("frame #%d = %s, want %s", i, frame, w)
		}
	}
}

func TestFrameDecoderSkipsMalformedHeader(t *testing.T) {
	input := "Content-Length: not-a-number\r\n\r\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	d := NewFrameDecoder(strings.NewReader(input))

	frame, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Contains(frame, []byte(`"method":"ping"`)) {
		t.Errorf("frame = %s, want the request to survive the malformed header", frame)
	}
}

func TestFrameDecoderIgnoresBlankLines(t *testing.T) {
	input := "\n\n\r\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"
	d := NewFrameDecoder(strings.NewReader(input))

	frame, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Contains(frame, []byte(`"method":"ping"`)) {
		t.Errorf("frame = %s, want the request", frame)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf)

	req := NewRequest(StringID("abc"), "tools/call", json.RawMessage(`{"name":"x"}`))
	if err := fw.WriteMessage(req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	d := NewFrameDecoder(&buf)
	frame, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(frame, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Method != "tools/call" {
		t.Errorf("Method = %q, want tools/call", got.Method)
	}
	if IDKey(got.ID) != IDKey(StringID("abc")) {
		t.Errorf("ID = %s, want %q", got.ID, `"abc"`)
	}
}

func TestEnvelopeClassification(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		wantRequest  bool
		wantNotify   bool
		wantResponse bool
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"ping"}`, true, false, false},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, false, true, false},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{}}`, false, false, true},
		{"null id request not a request", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, false, true, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseEnvelope: %v", err)
			}
			if env.IsRequest() != tc.wantRequest {
				t.Errorf("IsRequest() = %v, want %v", env.IsRequest(), tc.wantRequest)
			}
			if env.IsNotification() != tc.wantNotify {
				t.Errorf("IsNotification() = %v, want %v", env.IsNotification(), tc.wantNotify)
			}
			if env.IsResponse() != tc.wantResponse {
				t.Errorf("IsResponse() = %v, want %v", env.IsResponse(), tc.wantResponse)
			}
		})
	}
}

func TestDecodeMalformedJSONIsCallerResponsibility(t *testing.T) {
	// The decoder's job is framing, not JSON validation: a malformed body
	// is returned as a frame and it is ParseEnvelope's caller that must
	// log and discard it, per the frame codec's "parse failures discard
	// that frame only" rule.
	d := NewFrameDecoder(strings.NewReader("not json at all\n"))
	frame, err := d.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, err := ParseEnvelope(frame); err == nil {
		t.Error("ParseEnvelope succeeded on malformed JSON, want error")
	}
}
