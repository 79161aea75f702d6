package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry holds the CUE definitions documents are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("project", "#Project", builtinProjectSchema); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	schema := val.LookupPath(cue.ParsePath(def))
	if !schema.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema
	return nil
}

// Validate checks data against the named schema. Structural problems are
// returned as ValidationErrors carrying the offending path.
func (sr *SchemaRegistry) Validate(name, file string, data any) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if err := schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(file, err)
	}
	return nil
}

// convertCUEErrors flattens a CUE error list.
func convertCUEErrors(file string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:     file,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		}
		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

const builtinProjectSchema = `
#Project: {
	core: #Core
	state?: #State
	plugins?: #Plugins
	services?: [string]: #Service
	telemetry?: {...}
}

#Core: {
	base_dir?: string
	workspace: string & !=""
}

#State: {
	type?: "local" | "http"
	local?: {
		path?: string & !=""
	}
	http?: {
		address: string & =~"^https?://"
		lock_address?: string & =~"^https?://"
		unlock_address?: string & =~"^https?://"
		retry_max?: int & >=0
		retry_wait_min?: int & >=0
		retry_wait_max?: int & >=0
		...
	}
}

#Plugins: {
	dir?: string
	timeout?: string
	tick_interval?: string
	memory_limit_pages?: int & >0 & <=65536
	max_instances?: int & >0
	cache_dir?: string
	allowed_hosts?: [string]: [...string]
	versions?: [string]: string
}

#Service: {
	plugin: string & !=""
	environment?: string
	settings?: {...}
}
`
