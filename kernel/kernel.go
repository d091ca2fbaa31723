// Package kernel implements operation evaluation for TensorMesh workers.
//
// It provides the Kernel interface for single operations, a registry-backed
// Executor that dispatches by op name, a set of built-in math kernels
// (Const, MatMul, Add, Sub, Mul, Identity) plus the Send/Recv pair used by
// multi-device functions, and the function-call evaluator that runs a
// registered FunctionDef as a dataflow graph.
package kernel

import (
	"context"

	"github.com/hupe1980/tensormesh/core"
)

// Kernel evaluates one operation type.
//
// Kernel implementations should:
//   - Validate input arity and shapes before computing
//   - Return exactly NumOutputs tensors on success
//   - Be stateless and safe for concurrent use
type Kernel interface {
	// Name returns the op type this kernel implements, e.g. "MatMul".
	Name() string

	// NumOutputs returns the fixed output arity of the op type.
	NumOutputs() int

	// Run evaluates the operation against already resolved inputs.
	Run(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error)
}

// FuncKernel adapts a plain Go function to the Kernel interface.
//
// A FuncKernel has no internal mutable state after construction and is safe
// for concurrent use by multiple goroutines.
type FuncKernel struct {
	name       string
	numOutputs int
	fn         func(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error)
}

// NewFuncKernel constructs a FuncKernel from an op name, output arity and
// implementation.
//
// Example:
//
//	neg := NewFuncKernel("Neg", 1, func(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
//	  in := env.Inputs[0]
//	  out := in.Clone()
//	  for i := range out.Floats {
//	    out.Floats[i] = -out.Floats[i]
//	  }
//	  return []*core.Tensor{out}, nil
//	})
func NewFuncKernel(name string, numOutputs int, fn func(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error)) *FuncKernel {
	return &FuncKernel{name: name, numOutputs: numOutputs, fn: fn}
}

// Name returns the op type this kernel implements.
func (k *FuncKernel) Name() string { return k.name }

// NumOutputs returns the fixed output arity.
func (k *FuncKernel) NumOutputs() int { return k.numOutputs }

// Run invokes the wrapped function.
func (k *FuncKernel) Run(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	return k.fn(ctx, op, env)
}
