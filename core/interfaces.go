package core

import "context"

// CallEnv is what an executor sees while running a single operation: the
// resolved input tensors plus lookups for function bodies and the step
// rendezvous when the operation is (or is inside) a function call.
type CallEnv struct {
	Inputs     []*Tensor
	Functions  FunctionLibrary
	Rendezvous *Rendezvous
	StepID     int64
	Device     string
}

// Executor evaluates operations. Implementations map op names to kernels and
// return one tensor per declared output. NumOutputs reports the output arity
// of an op name so schedulers can pre-register pending outputs.
type Executor interface {
	Execute(ctx context.Context, op *Operation, env *CallEnv) ([]*Tensor, error)
	NumOutputs(opName string, fns FunctionLibrary) (int, error)
}

// FunctionLibrary resolves function names to definitions.
type FunctionLibrary interface {
	LookupFunction(name string) (*FunctionDef, bool)
}

// Peers reaches the remote workers sharing a context id. The execution layer
// uses it to fetch tensors produced on another task and to forward operations
// whose target device lives on another task. Implementations route by the
// device's task prefix.
type Peers interface {
	// Fetch retrieves a tensor produced on the task owning ref.Device.
	Fetch(ctx context.Context, contextID uint64, ref RemoteTensorRef) (*Tensor, error)

	// Forward enqueues op on the task owning op.Device and returns the
	// reported output shapes.
	Forward(ctx context.Context, contextID uint64, op *Operation) ([][]int64, error)
}

// FunctionLibraryFunc adapts a lookup func to the FunctionLibrary interface.
type FunctionLibraryFunc func(name string) (*FunctionDef, bool)

// LookupFunction implements FunctionLibrary.
func (f FunctionLibraryFunc) LookupFunction(name string) (*FunctionDef, bool) { return f(name) }
