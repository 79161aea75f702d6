// Package sdk defines the wire contract between the detectops host and a
// WASM detection plugin. Both sides import it: the host to encode requests and
// decode responses, plugins (built for GOOS=wasip1) to do the reverse.
//
// A plugin module exports:
//
//	memory
//	malloc(size i32) i32
//	free(ptr i32)
//	plugin_<op>(ptr i32, len i32) i64
//
// The input of every plugin_<op> is a JSON Request. The i64 result packs the
// location of a JSON Response as ptr<<32 | len.
package sdk

import (
	"encoding/json"
	"fmt"
)

// Operation names a plugin export.
type Operation string

const (
	OpLoad     Operation = "load"
	OpSettings Operation = "settings"
	OpSchema   Operation = "schema"
	OpValidate Operation = "validate"
	OpCreate   Operation = "create"
	OpRead     Operation = "read"
	OpUpdate   Operation = "update"
	OpDelete   Operation = "delete"
	OpPing     Operation = "ping"
)

// Operations lists every operation in a fixed order.
var Operations = []Operation{
	OpLoad, OpSettings, OpSchema, OpValidate,
	OpCreate, OpRead, OpUpdate, OpDelete, OpPing,
}

// Export returns the exported function name of op.
func (op Operation) Export() string {
	return "plugin_" + string(op)
}

// Mutating reports whether op changes remote state.
func (op Operation) Mutating() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Request is the input envelope. Only the fields relevant to the operation
// are set.
type Request struct {
	// Config is the service settings document.
	Config json.RawMessage `json:"config,omitempty"`

	// Name is the rule path.
	Name string `json:"name,omitempty"`

	// Params is the rule content.
	Params json.RawMessage `json:"params,omitempty"`

	// Detection is the document to validate.
	Detection json.RawMessage `json:"detection,omitempty"`
}

// Response is the output envelope. A non-empty Error means the operation
// failed; otherwise Ok carries the result, where null means "none".
type Response struct {
	Ok    json.RawMessage `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Metadata is the result of load.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// HTTPRequest is what plugins send through the http_request host function.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// HTTPResponse is what the http_request host function returns.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Log levels accepted by the log host function.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// OK encodes v as a successful response. A nil v encodes "none".
func OK(v any) []byte {
	if v == nil {
		return []byte(`{"ok":null}`)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Fail(fmt.Sprintf("cannot encode result: %v", err))
	}
	return mustMarshal(Response{Ok: raw})
}

// OKRaw encodes an already serialized JSON result.
func OKRaw(raw json.RawMessage) []byte {
	if raw == nil {
		return []byte(`{"ok":null}`)
	}
	return mustMarshal(Response{Ok: raw})
}

// Fail encodes an error response.
func Fail(msg string) []byte {
	return mustMarshal(Response{Error: msg})
}

// IsNone reports whether a result means "absent".
func IsNone(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Pack combines a pointer and a length into an export result.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// Unpack splits an export result into pointer and length.
func Unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

func mustMarshal(r Response) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Response only holds a RawMessage and a string.
		return []byte(`{"error":"internal encoding failure"}`)
	}
	return b
}
