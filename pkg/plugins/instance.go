package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/detectops/pkg/engine"
	"github.com/openfroyo/detectops/pkg/plugins/sdk"
	"github.com/openfroyo/detectops/pkg/telemetry"
)

// Instance is one sandboxed plugin module. It owns its linear memory and is
// closed after the batch that loaded it; an instance interrupted by a timeout
// is dead and every further call fails.
type Instance struct {
	name     string
	meta     engine.PluginMetadata
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	epoch    *Epoch
	timeout  time.Duration
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
	release  func()
	closeErr error
	once     sync.Once
}

var _ engine.Plugin = (*Instance)(nil)

func newInstance(name string, module api.Module, epoch *Epoch, timeout time.Duration, metrics *telemetry.Metrics, logger zerolog.Logger, release func()) (*Instance, error) {
	inst := &Instance{
		name:    name,
		module:  module,
		epoch:   epoch,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		release: release,
	}

	inst.memory = module.Memory()
	if inst.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	inst.malloc = module.ExportedFunction("malloc")
	if inst.malloc == nil {
		return nil, fmt.Errorf("WASM module does not export malloc function")
	}
	inst.free = module.ExportedFunction("free")
	if inst.free == nil {
		return nil, fmt.Errorf("WASM module does not export free function")
	}
	return inst, nil
}

// load calls the plugin's load export and records its metadata.
func (i *Instance) load(ctx context.Context) (sdk.Metadata, error) {
	var meta sdk.Metadata
	raw, err := i.call(ctx, sdk.OpLoad, sdk.Request{})
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, engine.SerializationError("plugin returned malformed metadata", err).WithPlugin(i.name)
	}
	i.meta = engine.PluginMetadata{Name: meta.Name, Version: meta.Version, Description: meta.Description}
	return meta, nil
}

// Metadata returns what load() reported.
func (i *Instance) Metadata() engine.PluginMetadata { return i.meta }

// Settings returns the JSON schema of the service settings.
func (i *Instance) Settings(ctx context.Context) ([]byte, error) {
	return i.call(ctx, sdk.OpSettings, sdk.Request{})
}

// Schema returns the JSON schema of a detection.
func (i *Instance) Schema(ctx context.Context) ([]byte, error) {
	return i.call(ctx, sdk.OpSchema, sdk.Request{})
}

// Validate checks a detection.
func (i *Instance) Validate(ctx context.Context, detection []byte) error {
	_, err := i.call(ctx, sdk.OpValidate, sdk.Request{Detection: detection})
	return err
}

func (i *Instance) Create(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	return i.call(ctx, sdk.OpCreate, sdk.Request{Config: config, Name: name, Params: params})
}

func (i *Instance) Read(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	return i.call(ctx, sdk.OpRead, sdk.Request{Config: config, Name: name, Params: params})
}

func (i *Instance) Update(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	return i.call(ctx, sdk.OpUpdate, sdk.Request{Config: config, Name: name, Params: params})
}

func (i *Instance) Delete(ctx context.Context, config []byte, name string, params []byte) ([]byte, error) {
	return i.call(ctx, sdk.OpDelete, sdk.Request{Config: config, Name: name, Params: params})
}

// Ping checks connectivity with the service.
func (i *Instance) Ping(ctx context.Context, config []byte) (bool, error) {
	raw, err := i.call(ctx, sdk.OpPing, sdk.Request{Config: config})
	if err != nil {
		return false, err
	}
	var ok bool
	if raw != nil {
		if err := json.Unmarshal(raw, &ok); err != nil {
			return false, engine.SerializationError("plugin ping returned a non-boolean", err).WithPlugin(i.name)
		}
	}
	return ok, nil
}

// Close releases the module and its instance slot. It is safe to call twice.
func (i *Instance) Close(ctx context.Context) error {
	i.once.Do(func() {
		i.closeErr = i.module.Close(ctx)
		if i.release != nil {
			i.release()
		}
	})
	return i.closeErr
}

// call runs one operation with tracing, metrics and the epoch deadline.
func (i *Instance) call(ctx context.Context, op sdk.Operation, req sdk.Request) (json.RawMessage, error) {
	start := time.Now()
	ctx, span := telemetry.StartPluginSpan(ctx, i.name, string(op))

	raw, err := i.invoke(ctx, op, req)

	code := ""
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			code = ee.Code
		}
	}
	i.metrics.RecordPluginCall(i.name, string(op), time.Since(start), code)
	telemetry.EndSpan(span, err)

	ev := i.logger.Trace()
	if op.Mutating() {
		ev = i.logger.Debug()
	}
	ev.Str("operation", string(op)).
		Str("rule", req.Name).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Plugin call")
	return raw, err
}

func (i *Instance) invoke(ctx context.Context, op sdk.Operation, req sdk.Request) (json.RawMessage, error) {
	fn := i.module.ExportedFunction(op.Export())
	if fn == nil {
		return nil, engine.PluginDispatchError(i.name, string(op),
			fmt.Errorf("WASM module does not export %s function", op.Export()))
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, engine.SerializationError("failed to marshal request", err).WithPlugin(i.name)
	}

	callCtx, cancel, expired := i.epoch.WithTimeout(withPlugin(ctx, i.name), i.timeout)
	defer cancel()

	output, err := i.exchange(callCtx, fn, input)
	if err != nil {
		if expired() {
			return nil, engine.TimeoutError(i.name, string(op), err).
				WithDetail("timeout", i.timeout.String())
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, engine.PluginDispatchError(i.name, string(op), ctxErr)
		}
		return nil, engine.PluginDispatchError(i.name, string(op), err)
	}

	var resp sdk.Response
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, engine.SerializationError("plugin returned a malformed response", err).
			WithPlugin(i.name).WithOperation(string(op))
	}
	if resp.Error != "" {
		return nil, engine.PluginInvocationError(i.name, string(op), resp.Error)
	}
	if sdk.IsNone(resp.Ok) {
		return nil, nil
	}
	return resp.Ok, nil
}

// exchange writes input into guest memory, calls fn and copies the packed
// result out before handing the buffers back to the guest allocator.
func (i *Instance) exchange(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := i.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer i.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !i.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	outputPtr, outputLen := sdk.Unpack(results[0])
	if outputLen == 0 {
		return nil, fmt.Errorf("WASM function returned an empty response")
	}

	view, ok := i.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("response [%d, +%d) is out of WASM memory bounds", outputPtr, outputLen)
	}
	output := append([]byte(nil), view...)
	i.deallocate(ctx, outputPtr)

	return output, nil
}

func (i *Instance) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := i.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (i *Instance) deallocate(ctx context.Context, ptr uint32) {
	if _, err := i.free.Call(ctx, uint64(ptr)); err != nil {
		i.logger.Debug().Err(err).Msg("free failed")
	}
}
