//go:build wasip1

package main

import (
	"encoding/json"
	"unsafe"

	"github.com/openfroyo/detectops/pkg/plugins/sdk"
)

// buffers keeps memory handed to the host alive until it calls free.
var buffers = map[uint32][]byte{}

var plugin = &Plugin{transport: hostTransport}

//go:wasmimport env http_request
func hostHTTPRequest(ptr, length uint32) uint64

//go:wasmimport env log
func hostLog(level, ptr, length uint32)

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	buffers[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(buffers, ptr)
}

func read(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

// reply copies out into pinned memory and packs its location.
func reply(out []byte) uint64 {
	ptr := malloc(uint32(len(out)))
	copy(buffers[ptr], out)
	return sdk.Pack(ptr, uint32(len(out)))
}

func logf(level uint32, msg string) {
	if msg == "" {
		return
	}
	b := []byte(msg)
	hostLog(level, uint32(uintptr(unsafe.Pointer(&b[0]))), uint32(len(b)))
}

func hostTransport(req sdk.HTTPRequest) sdk.HTTPResponse {
	in, err := json.Marshal(req)
	if err != nil {
		return sdk.HTTPResponse{Error: err.Error()}
	}
	logf(sdk.LogDebug, req.Method+" "+req.URL)

	packed := hostHTTPRequest(uint32(uintptr(unsafe.Pointer(&in[0]))), uint32(len(in)))
	ptr, length := sdk.Unpack(packed)
	if ptr == 0 {
		return sdk.HTTPResponse{Error: "host http_request failed"}
	}
	defer free(ptr)

	var resp sdk.HTTPResponse
	if err := json.Unmarshal(read(ptr, length), &resp); err != nil {
		return sdk.HTTPResponse{Error: "malformed host response: " + err.Error()}
	}
	return resp
}

func handle(op sdk.Operation, ptr, length uint32) uint64 {
	return reply(plugin.Handle(op, read(ptr, length)))
}

//go:wasmexport plugin_load
func pluginLoad(ptr, length uint32) uint64 { return handle(sdk.OpLoad, ptr, length) }

//go:wasmexport plugin_settings
func pluginSettings(ptr, length uint32) uint64 { return handle(sdk.OpSettings, ptr, length) }

//go:wasmexport plugin_schema
func pluginSchema(ptr, length uint32) uint64 { return handle(sdk.OpSchema, ptr, length) }

//go:wasmexport plugin_validate
func pluginValidate(ptr, length uint32) uint64 { return handle(sdk.OpValidate, ptr, length) }

//go:wasmexport plugin_create
func pluginCreate(ptr, length uint32) uint64 { return handle(sdk.OpCreate, ptr, length) }

//go:wasmexport plugin_read
func pluginRead(ptr, length uint32) uint64 { return handle(sdk.OpRead, ptr, length) }

//go:wasmexport plugin_update
func pluginUpdate(ptr, length uint32) uint64 { return handle(sdk.OpUpdate, ptr, length) }

//go:wasmexport plugin_delete
func pluginDelete(ptr, length uint32) uint64 { return handle(sdk.OpDelete, ptr, length) }

//go:wasmexport plugin_ping
func pluginPing(ptr, length uint32) uint64 { return handle(sdk.OpPing, ptr, length) }
