package kernel

import (
	"context"
	"fmt"

	"github.com/hupe1980/tensormesh/core"
)

func builtinKernels() []Kernel {
	return []Kernel{
		NewFuncKernel("Const", 1, constKernel),
		NewFuncKernel("MatMul", 1, matMulKernel),
		NewFuncKernel("Add", 1, elementwise("Add", func(a, b float32) float32 { return a + b })),
		NewFuncKernel("Sub", 1, elementwise("Sub", func(a, b float32) float32 { return a - b })),
		NewFuncKernel("Mul", 1, elementwise("Mul", func(a, b float32) float32 { return a * b })),
		NewFuncKernel("Identity", 1, identityKernel),
		NewFuncKernel("Send", 0, sendKernel),
		NewFuncKernel("Recv", 1, recvKernel),
	}
}

func wantInputs(op *core.Operation, env *core.CallEnv, n int) error {
	if len(env.Inputs) != n {
		return fmt.Errorf("%s expects %d inputs, got %d", op.Name, n, len(env.Inputs))
	}
	for i, in := range env.Inputs {
		if in == nil {
			return fmt.Errorf("%s input %d is nil", op.Name, i)
		}
	}
	return nil
}

func constKernel(_ context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	if err := wantInputs(op, env, 0); err != nil {
		return nil, err
	}
	attr, ok := op.Attrs["value"]
	if !ok || attr.Tensor == nil {
		return nil, fmt.Errorf("Const requires a tensor-valued \"value\" attr")
	}
	if err := attr.Tensor.Validate(); err != nil {
		return nil, err
	}
	return []*core.Tensor{attr.Tensor.Clone()}, nil
}

func matMulKernel(_ context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	if err := wantInputs(op, env, 2); err != nil {
		return nil, err
	}
	a, b := env.Inputs[0], env.Inputs[1]
	if a.DType != core.DTFloat || b.DType != core.DTFloat {
		return nil, fmt.Errorf("MatMul supports float tensors only, got %s and %s", a.DType, b.DType)
	}
	if a.Rank() != 2 || b.Rank() != 2 {
		return nil, fmt.Errorf("MatMul expects rank-2 inputs, got ranks %d and %d", a.Rank(), b.Rank())
	}

	ta := op.Attrs["transpose_a"].GetBool(false)
	tb := op.Attrs["transpose_b"].GetBool(false)

	m, ka := a.Dims[0], a.Dims[1]
	if ta {
		m, ka = ka, m
	}
	kb, n := b.Dims[0], b.Dims[1]
	if tb {
		kb, n = n, kb
	}
	if ka != kb {
		return nil, fmt.Errorf("MatMul inner dimensions do not match: %v x %v", a.Dims, b.Dims)
	}

	at := func(t *core.Tensor, transposed bool, row, col int64) float32 {
		if transposed {
			row, col = col, row
		}
		return t.Floats[row*t.Dims[1]+col]
	}

	out := make([]float32, m*n)
	for i := int64(0); i < m; i++ {
		for j := int64(0); j < n; j++ {
			var sum float32
			for k := int64(0); k < ka; k++ {
				sum += at(a, ta, i, k) * at(b, tb, k, j)
			}
			out[i*n+j] = sum
		}
	}
	return []*core.Tensor{core.NewMatrix(m, n, out)}, nil
}

func elementwise(name string, f func(a, b float32) float32) func(context.Context, *core.Operation, *core.CallEnv) ([]*core.Tensor, error) {
	return func(_ context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
		if err := wantInputs(op, env, 2); err != nil {
			return nil, err
		}
		a, b := env.Inputs[0], env.Inputs[1]
		if a.DType != core.DTFloat || b.DType != core.DTFloat {
			return nil, fmt.Errorf("%s supports float tensors only, got %s and %s", name, a.DType, b.DType)
		}
		if !core.ShapeEqual(a.Dims, b.Dims) {
			return nil, fmt.Errorf("%s expects matching shapes, got %v and %v", name, a.Dims, b.Dims)
		}
		out := a.Clone()
		for i := range out.Floats {
			out.Floats[i] = f(a.Floats[i], b.Floats[i])
		}
		return []*core.Tensor{out}, nil
	}
}

func identityKernel(_ context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	if err := wantInputs(op, env, 1); err != nil {
		return nil, err
	}
	return []*core.Tensor{env.Inputs[0].Clone()}, nil
}

func sendKernel(_ context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	if err := wantInputs(op, env, 1); err != nil {
		return nil, err
	}
	if env.Rendezvous == nil {
		return nil, fmt.Errorf("Send requires a rendezvous")
	}
	name := op.Attrs["tensor_name"].GetString("")
	if name == "" {
		return nil, fmt.Errorf("Send requires a \"tensor_name\" attr")
	}
	env.Rendezvous.Send(env.StepID, name, env.Inputs[0].Clone())
	return nil, nil
}

func recvKernel(ctx context.Context, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	if err := wantInputs(op, env, 0); err != nil {
		return nil, err
	}
	if env.Rendezvous == nil {
		return nil, fmt.Errorf("Recv requires a rendezvous")
	}
	name := op.Attrs["tensor_name"].GetString("")
	if name == "" {
		return nil, fmt.Errorf("Recv requires a \"tensor_name\" attr")
	}
	t, err := env.Rendezvous.Recv(ctx, env.StepID, name)
	if err != nil {
		return nil, err
	}
	return []*core.Tensor{t}, nil
}
