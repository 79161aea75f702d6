// Package plugins runs detection plugins as sandboxed WebAssembly modules.
//
// A plugin is a single <name>.wasm file exporting memory, malloc, free and one
// plugin_<operation> function per operation of engine.Plugin. Every call
// passes a JSON request envelope into guest memory and receives a packed
// pointer to a JSON response envelope (see package sdk).
//
// The Manager compiles each binary once and instantiates a fresh module per
// Load, so no memory is shared between instances. Calls are bounded by an
// Epoch: a ticker advances a shared counter and a call whose tick deadline
// passes is interrupted and reported as a timeout.
//
// Plugins reach their backend only through the host's http_request function,
// which honours a per-plugin allow-list of hosts.
package plugins
