// Package main implements the webhook detection plugin. It deploys detections
// to any HTTP API that stores one JSON document per rule:
//
//	PUT    <url>/<collection>/<rule>   create or replace
//	GET    <url>/<collection>/<rule>   read, 404 when absent
//	DELETE <url>/<collection>/<rule>   delete, 404 when absent
//	GET    <url>/health                ping
//
// It compiles to WASM (GOOS=wasip1) and reaches the API through the host's
// http_request function, so the host decides which hosts it may call.
// Build it as a reactor module:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o webhook.wasm .
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/openfroyo/detectops/pkg/plugins/sdk"
)

const (
	pluginName    = "webhook"
	pluginVersion = "0.1.0"
)

const settingsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "description": "Base URL of the rules API"},
    "token": {"type": "string", "description": "Bearer token sent with every request", "default": ""},
    "collection": {"type": "string", "description": "Path segment holding the rules", "default": "detections"}
  }
}`

const detectionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "query"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "query": {"type": "string", "minLength": 1},
    "severity": {"enum": ["low", "medium", "high", "critical"]},
    "enabled": {"type": "boolean"},
    "tags": {"type": "array", "items": {"type": "string"}}
  }
}`

// Settings is the service configuration.
type Settings struct {
	URL        string `json:"url"`
	Token      string `json:"token,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// Detection is the rule document.
type Detection struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Query       string   `json:"query"`
	Severity    string   `json:"severity,omitempty"`
	Enabled     *bool    `json:"enabled,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Transport performs an HTTP request on the plugin's behalf.
type Transport func(sdk.HTTPRequest) sdk.HTTPResponse

// Plugin dispatches operations. Every method returns an encoded sdk.Response.
type Plugin struct {
	transport Transport
}

// Handle decodes input and runs op.
func (p *Plugin) Handle(op sdk.Operation, input []byte) []byte {
	var req sdk.Request
	if len(input) > 0 {
		if err := json.Unmarshal(input, &req); err != nil {
			return sdk.Fail(fmt.Sprintf("malformed request: %v", err))
		}
	}

	switch op {
	case sdk.OpLoad:
		return sdk.OK(sdk.Metadata{
			Name:        pluginName,
			Version:     pluginVersion,
			Description: "Deploys detections to an HTTP rules API",
		})
	case sdk.OpSettings:
		return sdk.OKRaw(json.RawMessage(settingsSchema))
	case sdk.OpSchema:
		return sdk.OKRaw(json.RawMessage(detectionSchema))
	case sdk.OpValidate:
		return p.validate(req.Detection)
	case sdk.OpCreate, sdk.OpUpdate:
		return p.put(req)
	case sdk.OpRead:
		return p.read(req)
	case sdk.OpDelete:
		return p.delete(req)
	case sdk.OpPing:
		return p.ping(req)
	default:
		return sdk.Fail(fmt.Sprintf("unsupported operation %q", op))
	}
}

func (p *Plugin) validate(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return sdk.Fail("empty detection")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var d Detection
	if err := dec.Decode(&d); err != nil {
		return sdk.Fail(fmt.Sprintf("invalid detection: %v", err))
	}
	if strings.TrimSpace(d.Name) == "" {
		return sdk.Fail("detection name is required")
	}
	if strings.TrimSpace(d.Query) == "" {
		return sdk.Fail("detection query is required")
	}
	switch d.Severity {
	case "", "low", "medium", "high", "critical":
	default:
		return sdk.Fail(fmt.Sprintf("unknown severity %q", d.Severity))
	}
	return sdk.OK(nil)
}

func (p *Plugin) put(req sdk.Request) []byte {
	s, err := parseSettings(req.Config)
	if err != nil {
		return sdk.Fail(err.Error())
	}
	resp := p.do(s, "PUT", s.ruleURL(req.Name), req.Params)
	if resp.Error != "" {
		return sdk.Fail(resp.Error)
	}
	if !success(resp.Status) {
		return sdk.Fail(statusError("PUT", req.Name, resp))
	}
	if json.Valid(resp.Body) && len(resp.Body) > 0 {
		return sdk.OKRaw(resp.Body)
	}
	return sdk.OKRaw(req.Params)
}

func (p *Plugin) read(req sdk.Request) []byte {
	s, err := parseSettings(req.Config)
	if err != nil {
		return sdk.Fail(err.Error())
	}
	resp := p.do(s, "GET", s.ruleURL(req.Name), nil)
	switch {
	case resp.Error != "":
		return sdk.Fail(resp.Error)
	case resp.Status == 404:
		return sdk.OK(nil)
	case !success(resp.Status):
		return sdk.Fail(statusError("GET", req.Name, resp))
	case !json.Valid(resp.Body):
		return sdk.Fail(fmt.Sprintf("GET %s: response is not JSON", req.Name))
	}
	return sdk.OKRaw(resp.Body)
}

func (p *Plugin) delete(req sdk.Request) []byte {
	s, err := parseSettings(req.Config)
	if err != nil {
		return sdk.Fail(err.Error())
	}
	resp := p.do(s, "DELETE", s.ruleURL(req.Name), nil)
	switch {
	case resp.Error != "":
		return sdk.Fail(resp.Error)
	case resp.Status == 404:
		return sdk.OK(nil)
	case !success(resp.Status):
		return sdk.Fail(statusError("DELETE", req.Name, resp))
	}
	return sdk.OK(true)
}

func (p *Plugin) ping(req sdk.Request) []byte {
	s, err := parseSettings(req.Config)
	if err != nil {
		return sdk.Fail(err.Error())
	}
	resp := p.do(s, "GET", strings.TrimRight(s.URL, "/")+"/health", nil)
	if resp.Error != "" {
		return sdk.Fail(resp.Error)
	}
	return sdk.OK(success(resp.Status))
}

func (p *Plugin) do(s Settings, method, target string, body []byte) sdk.HTTPResponse {
	headers := map[string]string{"Accept": "application/json"}
	if body != nil {
		headers["Content-Type"] = "application/json"
	}
	if s.Token != "" {
		headers["Authorization"] = "Bearer " + s.Token
	}
	return p.transport(sdk.HTTPRequest{Method: method, URL: target, Headers: headers, Body: body})
}

func parseSettings(raw json.RawMessage) (Settings, error) {
	var s Settings
	if len(raw) == 0 {
		return s, fmt.Errorf("missing service settings")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("invalid service settings: %v", err)
	}
	if s.URL == "" {
		return s, fmt.Errorf("service setting `url` is required")
	}
	if s.Collection == "" {
		s.Collection = "detections"
	}
	return s, nil
}

// ruleURL escapes the rule path into a single segment.
func (s Settings) ruleURL(name string) string {
	return strings.TrimRight(s.URL, "/") + "/" + url.PathEscape(s.Collection) + "/" + url.PathEscape(name)
}

func success(status int) bool { return status >= 200 && status < 300 }

func statusError(method, name string, resp sdk.HTTPResponse) string {
	msg := strings.TrimSpace(string(resp.Body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Sprintf("%s %s: status %d", method, name, resp.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", method, name, resp.Status, msg)
}
