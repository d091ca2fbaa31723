package kernel

import (
	"context"
	"fmt"

	"github.com/hupe1980/tensormesh/core"
)

// callFunction evaluates a registered function as a dataflow graph. Nodes run
// whenever all of their inputs are available; the loop errors out when no
// node can make progress, which catches cycles and dangling references.
func (e *Executor) callFunction(ctx context.Context, fn *core.FunctionDef, op *core.Operation, env *core.CallEnv) ([]*core.Tensor, error) {
	if err := fn.Validate(); err != nil {
		return nil, err
	}
	if len(env.Inputs) != len(fn.InputArgs) {
		return nil, fmt.Errorf("function %s expects %d inputs, got %d", fn.Name, len(fn.InputArgs), len(env.Inputs))
	}

	// values maps a signature arg or node name to its produced outputs.
	values := make(map[string][]*core.Tensor, len(fn.InputArgs)+len(fn.Nodes))
	for i, arg := range fn.InputArgs {
		values[arg.Name] = []*core.Tensor{env.Inputs[i]}
	}

	remaining := make([]*core.NodeDef, len(fn.Nodes))
	copy(remaining, fn.Nodes)

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		progressed := false
		next := remaining[:0]

		for _, node := range remaining {
			ins, ready, err := gatherNodeInputs(values, node)
			if err != nil {
				return nil, fmt.Errorf("function %s: %w", fn.Name, err)
			}
			if !ready {
				next = append(next, node)
				continue
			}

			nodeOp := &core.Operation{
				Name:   node.Op,
				Device: firstNonEmpty(node.Device, op.Device),
				Attrs:  node.Attrs,
			}
			nodeEnv := &core.CallEnv{
				Inputs:     ins,
				Functions:  env.Functions,
				Rendezvous: env.Rendezvous,
				StepID:     env.StepID,
				Device:     nodeOp.Device,
			}

			outs, err := e.Execute(ctx, nodeOp, nodeEnv)
			if err != nil {
				return nil, fmt.Errorf("function %s: node %s: %w", fn.Name, node.Name, err)
			}

			values[node.Name] = outs
			progressed = true
		}

		if !progressed {
			return nil, fmt.Errorf("function %s: no runnable node among %d remaining, graph has a cycle or unsatisfied input", fn.Name, len(next))
		}
		remaining = next
	}

	outputs := make([]*core.Tensor, len(fn.OutputArgs))
	for i, arg := range fn.OutputArgs {
		src := fn.Ret[arg.Name]
		t, err := lookupValue(values, src)
		if err != nil {
			return nil, fmt.Errorf("function %s: output %q: %w", fn.Name, arg.Name, err)
		}
		outputs[i] = t
	}
	return outputs, nil
}

// gatherNodeInputs resolves a node's inputs from already produced values.
// ready is false when some producer has not run yet.
func gatherNodeInputs(values map[string][]*core.Tensor, node *core.NodeDef) ([]*core.Tensor, bool, error) {
	ins := make([]*core.Tensor, len(node.Inputs))
	for i, ref := range node.Inputs {
		name, idx := core.SplitNodeOutput(ref)
		outs, ok := values[name]
		if !ok {
			return nil, false, nil
		}
		if int(idx) >= len(outs) {
			return nil, false, fmt.Errorf("node %s input %q: producer has %d outputs", node.Name, ref, len(outs))
		}
		ins[i] = outs[idx]
	}
	return ins, true, nil
}

func lookupValue(values map[string][]*core.Tensor, ref string) (*core.Tensor, error) {
	name, idx := core.SplitNodeOutput(ref)
	outs, ok := values[name]
	if !ok {
		return nil, fmt.Errorf("no value produced for %q", ref)
	}
	if int(idx) >= len(outs) {
		return nil, fmt.Errorf("%q has only %d outputs", name, len(outs))
	}
	return outs[idx], nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
