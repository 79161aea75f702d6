package plugins

import (
	"github.com/openfroyo/detectops/pkg/plugins/sdk"
)

// Canned responses served by the test module, keyed by their address in the
// module's data section.
var testResponses = []struct {
	export string
	offset uint32
	body   string
}{
	{"plugin_load", 2048, `{"ok":{"name":"sample","version":"0.1.0"}}`},
	{"plugin_read", 3072, `{"ok":{"query":"live"}}`},
	{"plugin_delete", 3584, `{"ok":null}`},
	{"plugin_validate", 3840, `{"error":"bad detection"}`},
	{"plugin_create", 4096, `not json`},
}

// sampleModule assembles a minimal plugin by hand: malloc always returns
// address 1024, free does nothing, every export in testResponses returns its
// canned response and plugin_ping never terminates.
func sampleModule() []byte {
	const (
		typeI32I32 = 0
		typeI32    = 1
		typeCall   = 2
	)

	var out []byte
	out = append(out, 0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)

	// type section
	types := []byte{3,
		0x60, 1, 0x7f, 1, 0x7f,
		0x60, 1, 0x7f, 0,
		0x60, 2, 0x7f, 0x7f, 1, 0x7e,
	}
	out = appendSection(out, 1, types)

	// function section: malloc, free, canned exports, ping
	funcs := []byte{byte(2 + len(testResponses) + 1), typeI32I32, typeI32}
	for range testResponses {
		funcs = append(funcs, typeCall)
	}
	funcs = append(funcs, typeCall)
	out = appendSection(out, 3, funcs)

	// memory section: one page
	out = appendSection(out, 5, []byte{1, 0x00, 1})

	// export section
	var exports []byte
	exports = append(exports, uleb(uint64(3+len(testResponses)+1))...)
	exports = appendExport(exports, "memory", 0x02, 0)
	exports = appendExport(exports, "malloc", 0x00, 0)
	exports = appendExport(exports, "free", 0x00, 1)
	for i, r := range testResponses {
		exports = appendExport(exports, r.export, 0x00, uint32(2+i))
	}
	exports = appendExport(exports, "plugin_ping", 0x00, uint32(2+len(testResponses)))
	out = appendSection(out, 7, exports)

	// code section
	var bodies [][]byte
	bodies = append(bodies, append(append([]byte{0x00, 0x41}, sleb(1024)...), 0x0b))
	bodies = append(bodies, []byte{0x00, 0x0b})
	for _, r := range testResponses {
		packed := sdk.Pack(r.offset, uint32(len(r.body)))
		bodies = append(bodies, append(append([]byte{0x00, 0x42}, sleb(int64(packed))...), 0x0b))
	}
	// loop br 0 end unreachable
	bodies = append(bodies, []byte{0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b})

	code := uleb(uint64(len(bodies)))
	for _, b := range bodies {
		code = append(code, uleb(uint64(len(b)))...)
		code = append(code, b...)
	}
	out = appendSection(out, 10, code)

	// data section
	data := uleb(uint64(len(testResponses)))
	for _, r := range testResponses {
		data = append(data, 0x00, 0x41)
		data = append(data, sleb(int64(r.offset))...)
		data = append(data, 0x0b)
		data = append(data, uleb(uint64(len(r.body)))...)
		data = append(data, r.body...)
	}
	out = appendSection(out, 11, data)

	return out
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint64(len(payload)))...)
	return append(out, payload...)
}

func appendExport(out []byte, name string, kind byte, index uint32) []byte {
	out = append(out, uleb(uint64(len(name)))...)
	out = append(out, name...)
	out = append(out, kind)
	return append(out, uleb(uint64(index))...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
