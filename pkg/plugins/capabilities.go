package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/detectops/pkg/plugins/sdk"
)

// maxResponseBody caps what a plugin can pull through http_request.
const maxResponseBody = 16 << 20

type pluginKey struct{}

// withPlugin tags ctx with the plugin being called so host functions know
// whose capabilities apply.
func withPlugin(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, pluginKey{}, name)
}

func pluginFrom(ctx context.Context) string {
	name, _ := ctx.Value(pluginKey{}).(string)
	return name
}

// HostCapabilities enforces what plugins may do outside their sandbox.
// Network access is granted per plugin through host patterns: an exact host,
// a "*.example.com" suffix or "*" for anything.
type HostCapabilities struct {
	allowed    map[string][]string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHostCapabilities creates the enforcer.
func NewHostCapabilities(allowed map[string][]string, logger zerolog.Logger) *HostCapabilities {
	return &HostCapabilities{
		allowed: allowed,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// AllowsHost reports whether plugin may reach host.
func (h *HostCapabilities) AllowsHost(plugin, host string) bool {
	host = strings.ToLower(host)
	for _, pattern := range h.allowed[plugin] {
		pattern = strings.ToLower(pattern)
		switch {
		case pattern == "*":
			return true
		case strings.HasPrefix(pattern, "*."):
			if strings.HasSuffix(host, pattern[1:]) {
				return true
			}
		case pattern == host:
			return true
		}
	}
	return false
}

// HTTPRequest performs req on behalf of plugin. Failures are reported in the
// response, never as Go errors, since they travel back to the guest.
func (h *HostCapabilities) HTTPRequest(ctx context.Context, plugin string, req sdk.HTTPRequest) sdk.HTTPResponse {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return sdk.HTTPResponse{Error: fmt.Sprintf("invalid url %q", req.URL)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return sdk.HTTPResponse{Error: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if !h.AllowsHost(plugin, u.Hostname()) {
		h.logger.Warn().Str("plugin", plugin).Str("host", u.Hostname()).Msg("Plugin denied network access")
		return sdk.HTTPResponse{Error: fmt.Sprintf("capability net:outbound not granted for %s", u.Hostname())}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return sdk.HTTPResponse{Error: fmt.Sprintf("failed to create HTTP request: %v", err)}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return sdk.HTTPResponse{Error: fmt.Sprintf("HTTP request failed: %v", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return sdk.HTTPResponse{Error: fmt.Sprintf("failed to read response: %v", err)}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return sdk.HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: body}
}

// Log emits a guest log line through the host logger.
func (h *HostCapabilities) Log(plugin string, level uint32, msg string) {
	var ev *zerolog.Event
	switch level {
	case sdk.LogDebug:
		ev = h.logger.Debug()
	case sdk.LogWarn:
		ev = h.logger.Warn()
	case sdk.LogError:
		ev = h.logger.Error()
	default:
		ev = h.logger.Info()
	}
	ev.Str("plugin", plugin).Msg(msg)
}

// Register installs the "env" host module into runtime.
func (h *HostCapabilities) Register(ctx context.Context, runtime wazero.Runtime) error {
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(h.hostHTTPRequest).
		Export("http_request").
		NewFunctionBuilder().
		WithFunc(h.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// hostHTTPRequest reads a JSON sdk.HTTPRequest from guest memory and returns
// a packed pointer to a JSON sdk.HTTPResponse allocated with the guest's malloc.
func (h *HostCapabilities) hostHTTPRequest(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	plugin := pluginFrom(ctx)

	var resp sdk.HTTPResponse
	raw, ok := mod.Memory().Read(ptr, length)
	if !ok {
		resp = sdk.HTTPResponse{Error: "failed to read request from memory"}
	} else {
		var req sdk.HTTPRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			resp = sdk.HTTPResponse{Error: fmt.Sprintf("malformed request: %v", err)}
		} else {
			resp = h.HTTPRequest(ctx, plugin, req)
		}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return 0
	}
	outPtr, err := guestAlloc(ctx, mod, out)
	if err != nil {
		h.logger.Debug().Err(err).Str("plugin", plugin).Msg("Failed to hand response to plugin")
		return 0
	}
	return sdk.Pack(outPtr, uint32(len(out)))
}

func (h *HostCapabilities) hostLog(ctx context.Context, mod api.Module, level, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	h.Log(pluginFrom(ctx), level, string(msg))
}

// guestAlloc copies data into memory obtained from the guest's malloc.
func guestAlloc(ctx context.Context, mod api.Module, data []byte) (uint32, error) {
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0, fmt.Errorf("module does not export malloc")
	}
	res, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(res) == 0 || uint32(res[0]) == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes at %d", len(data), ptr)
	}
	return ptr, nil
}
