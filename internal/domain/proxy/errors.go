package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kazuhideoki/codex-mcp-wrapper/pkg/mcp"
)

// Error codes the normalizer recognizes.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeSpawnENOENT    = -32001
	codeDefaultServer  = -32000
	serverRangeLow     = -32099
	serverRangeHigh    = -32000
)

// Error kinds in the data.kind taxonomy.
const (
	KindSpawnError  = "spawn_error"
	KindServerError = "server_error"
	KindToolError   = "tool_error"
)

// ErrorContext carries the extra information the normalizer needs to
// shape its message and data envelope.
type ErrorContext struct {
	Method     string
	ToolName   string
	ServerName string
}

// rawError is the heterogeneous shape of a failure before
// normalization: either a JSON-RPC error object from a child, or a
// runtime failure such as a failed spawn carrying a string ENOENT-style
// code. At most one of Code/StringCode is populated; the zero value
// NormalizeError substitutes for a nil input has neither.
type rawError struct {
	Code       *int
	StringCode string
	Message    string
	Data       json.RawMessage
}

// rawErrorFromChild builds a rawError from a child's JSON-RPC error
// object.
func rawErrorFromChild(e *mcp.Error) *rawError {
	if e == nil {
		return nil
	}
	code := e.Code
	return &rawError{Code: &code, Message: e.Message, Data: e.Data}
}

// rawErrorFromSpawn builds a rawError for a local failure to reach a
// child: a spawn that never found its executable carries the "ENOENT"
// string code (the same convention Node's child_process module uses,
// which strict MCP clients already special-case), while any other runtime
// failure (write to a dead child, pipe torn down mid-request) keeps its
// own message under a generic spawn code.
func rawErrorFromSpawn(err error) *rawError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if isCommandNotFound(err) {
		return &rawError{StringCode: "ENOENT", Message: msg}
	}
	return &rawError{StringCode: "ESPAWN", Message: msg}
}

func isCommandNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file or directory")
}

type rawErrorData struct {
	Kind      string `json:"kind"`
	Retryable any    `json:"retryable"`
}

// NormalizeError translates a raw child failure (or a fabricated one)
// plus context into the single error envelope every caller of this
// proxy sees. passthrough disables the whole rewrite and returns the
// original untouched.
func NormalizeError(raw *rawError, ctx ErrorContext, passthrough bool) *mcp.Error {
	if raw == nil {
		raw = &rawError{}
	}

	if passthrough {
		code := codeDefaultServer
		if raw.Code != nil {
			code = *raw.Code
		}
		return &mcp.Error{Code: code, Message: raw.Message, Data: raw.Data}
	}

	var data mcp.ErrorData
	data.Original = raw.Data
	if data.Original == nil && raw.Message != "" {
		data.Original, _ = json.Marshal(map[string]string{"message": raw.Message})
	}
	data.ToolName = ctx.ToolName
	data.ServerName = ctx.ServerName

	var code int
	var message string

	switch {
	case raw.StringCode == "ENOENT":
		code = codeSpawnENOENT
		message = "Spawn error (ENOENT): command not found. Check PATH or use 'npx tsx <path-to-index.ts>'."
		data.Kind = KindSpawnError
		data.Retryable = false

	case raw.StringCode != "":
		code = codeSpawnENOENT
		message = raw.Message
		data.Kind = KindSpawnError
		data.Retryable = false

	case raw.Code != nil && *raw.Code == codeMethodNotFound:
		code = codeMethodNotFound
		message = "Method not found" + toolSuffix(ctx)
		data.Kind = KindServerError
		data.Retryable = false

	case raw.Code != nil && *raw.Code == codeInvalidParams:
		code = codeInvalidParams
		message = "Invalid params" + toolSuffix(ctx)
		data.Kind = KindServerError
		data.Retryable = false

	case raw.Code != nil && *raw.Code == codeInternalError:
		code = codeInternalError
		message = "Internal error" + toolSuffix(ctx)
		data.Kind = KindServerError
		data.Retryable = true

	case raw.Code != nil && *raw.Code >= serverRangeLow && *raw.Code <= serverRangeHigh:
		code = *raw.Code
		message = raw.Message
		data.Kind = KindServerError
		data.Retryable = retryableFromData(raw.Data)

	default:
		code = codeDefaultServer
		message = raw.Message
		if message == "" {
			message = "Server error"
		}
		data.Kind = KindServerError
		data.Retryable = false
	}

	if kind, retryable, ok := toolErrorOverride(raw.Data); ok {
		data.Kind = kind
		data.Retryable = retryable
	}

	message = sanitizeMessage(message)

	encodedData, _ := json.Marshal(data)
	return &mcp.Error{Code: code, Message: message, Data: encodedData}
}

func toolSuffix(ctx ErrorContext) string {
	if ctx.ToolName == "" {
		return ""
	}
	return fmt.Sprintf(" for tool '%s'", ctx.ToolName)
}

func retryableFromData(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var d rawErrorData
	if err := json.Unmarshal(raw, &d); err != nil {
		return false
	}
	return coerceBool(d.Retryable)
}

func toolErrorOverride(raw json.RawMessage) (kind string, retryable bool, ok bool) {
	if len(raw) == 0 {
		return "", false, false
	}
	var d rawErrorData
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", false, false
	}
	if d.Kind != KindToolError {
		return "", false, false
	}
	return KindToolError, coerceBool(d.Retryable), true
}

func coerceBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1"
	case float64:
		return t != 0
	default:
		return false
	}
}

func sanitizeMessage(msg string) string {
	if msg == "" || msg == "[object Object]" {
		return "Tool/server error"
	}
	return msg
}

// NormalizeChildError normalizes a JSON-RPC error object a child
// returned in response to a forwarded or fanned-out request.
func NormalizeChildError(e *mcp.Error, ctx ErrorContext, passthrough bool) *mcp.Error {
	return NormalizeError(rawErrorFromChild(e), ctx, passthrough)
}

// NormalizeSpawnError normalizes a local failure to reach a child at
// all (write failed, process exited, spawn never succeeded) into the
// same envelope a child's own error would produce.
func NormalizeSpawnError(err error, ctx ErrorContext, passthrough bool) *mcp.Error {
	return NormalizeError(rawErrorFromSpawn(err), ctx, passthrough)
}

// ToolNotFoundError builds the fixed envelope for a tools/call name
// that isn't in toolToChild: code -32601 and a message that
// names the missing tool, distinct from NormalizeError's generic
// "Method not found" wording for the same JSON-RPC code when it
// originates from a child.
func ToolNotFoundError(name string) *mcp.Error {
	data := mcp.ErrorData{Kind: KindServerError, Retryable: false}
	encoded, _ := json.Marshal(data)
	return &mcp.Error{Code: codeMethodNotFound, Message: "Tool not found: " + name, Data: encoded}
}

// MethodNotFoundError builds the envelope for an unknown method
// forwarded with no live children to route to.
func MethodNotFoundError(method string) *mcp.Error {
	data := mcp.ErrorData{Kind: KindServerError, Retryable: false}
	encoded, _ := json.Marshal(data)
	return &mcp.Error{Code: codeMethodNotFound, Message: "Method not found: " + method, Data: encoded}
}
