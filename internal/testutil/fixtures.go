package testutil

import (
	"github.com/hupe1980/tensormesh/core"
)

// Matrix2x2 returns the canonical [[1 2] [3 4]] operand used across tests.
// Squaring it with MatMul yields [7 10 15 22].
func Matrix2x2() *core.Tensor {
	return core.NewMatrix(2, 2, []float32{1, 2, 3, 4})
}

// MatMulFunction returns a single-node function squaring its only argument:
//
//	m = MatMul(a, a)
func MatMulFunction() *core.FunctionDef {
	return &core.FunctionDef{
		Name:       "MatMulFunction",
		InputArgs:  []core.ArgDef{{Name: "a", Type: core.DTFloat}},
		OutputArgs: []core.ArgDef{{Name: "m", Type: core.DTFloat}},
		Nodes: []*core.NodeDef{
			{Name: "matmul", Op: "MatMul", Inputs: []string{"a", "a"}},
		},
		Ret: map[string]string{"m": "matmul:0"},
	}
}
