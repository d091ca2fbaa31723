package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/logging"
)

// Options configures an Executor.
type Options struct {
	// Logger receives per-op debug output. Defaults to a no-op logger.
	Logger logging.Logger

	// ExtraKernels are registered on top of the built-in set, overriding
	// builtins on name collision.
	ExtraKernels []Kernel
}

// Executor dispatches operations to kernels by op name and evaluates
// registered functions as dataflow graphs. It implements core.Executor.
type Executor struct {
	mu      sync.RWMutex
	kernels map[string]Kernel
	logger  logging.Logger
}

// New creates an Executor with the built-in kernels registered.
func New(optFns ...func(o *Options)) *Executor {
	opts := Options{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Executor{
		kernels: make(map[string]Kernel),
		logger:  opts.Logger,
	}

	for _, k := range builtinKernels() {
		e.kernels[k.Name()] = k
	}

	for _, k := range opts.ExtraKernels {
		e.kernels[k.Name()] = k
	}

	return e
}

// Register adds or replaces a kernel.
func (e *Executor) Register(k Kernel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kernels[k.Name()] = k
}

func (e *Executor) lookup(name string) (Kernel, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k, ok := e.kernels[name]
	return k, ok
}

// Execute evaluates a single operation. Function calls are detected by
// looking op.Name up in the call environment's function library; anything
// else must have a registered kernel.
func (e *Executor) Execute(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	start := time.Now()

	if env.Functions != nil {
		if fn, ok := env.Functions.LookupFunction(op.Name); ok {
			outs, err := e.callFunction(ctx, fn, op, env)
			e.logger.Debug("function evaluated", "function", op.Name, "op_id", op.ID, "duration", time.Since(start), "error", err)
			return outs, err
		}
	}
	if op.IsFunction {
		return nil, core.ErrUnknownFunction(op.Name)
	}

	k, ok := e.lookup(op.Name)
	if !ok {
		return nil, core.ErrUnknownOp(op.Name)
	}

	outs, err := k.Run(ctx, op, env)
	if err != nil {
		e.logger.Debug("op failed", "op", op.Name, "op_id", op.ID, "error", err)
		return nil, err
	}

	e.logger.Debug("op evaluated", "op", op.Name, "op_id", op.ID, "duration", time.Since(start))
	return outs, nil
}

// NumOutputs reports the output arity of an op name, consulting the function
// library first so pending outputs can be registered before execution.
func (e *Executor) NumOutputs(opName string, fns core.FunctionLibrary) (int, error) {
	if fns != nil {
		if fn, ok := fns.LookupFunction(opName); ok {
			return len(fn.OutputArgs), nil
		}
	}
	if k, ok := e.lookup(opName); ok {
		return k.NumOutputs(), nil
	}
	return 0, core.ErrUnknownOp(opName)
}
