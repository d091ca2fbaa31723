package testutil

import (
	"github.com/hupe1980/tensormesh/core"
)

// BatchBuilder helps construct enqueue batches with fluent chaining for tests.
// Example:
//
//	items := NewBatchBuilder().Const(1, Matrix2x2()).MatMul(2, 1, 1).Build()
type BatchBuilder struct {
	items []*core.QueueItem
}

// NewBatchBuilder creates a new builder for an empty batch.
// Use chainable methods (Op, Const, MatMul, Send, Register) then call Build.
func NewBatchBuilder() *BatchBuilder {
	return &BatchBuilder{}
}

// Op appends an arbitrary operation item (chainable).
func (b *BatchBuilder) Op(op *core.Operation) *BatchBuilder {
	b.items = append(b.items, &core.QueueItem{Operation: op})
	return b
}

// Const appends a Const operation producing the given tensor (chainable).
func (b *BatchBuilder) Const(opID int64, t *core.Tensor) *BatchBuilder {
	return b.Op(&core.Operation{
		ID:    opID,
		Name:  "Const",
		Attrs: map[string]core.AttrValue{"value": core.TensorAttr(t)},
	})
}

// MatMul appends a MatMul of two earlier outputs (chainable).
func (b *BatchBuilder) MatMul(opID, aID, bID int64) *BatchBuilder {
	return b.Op(&core.Operation{
		ID:   opID,
		Name: "MatMul",
		Inputs: []core.RemoteTensorRef{
			{OpID: aID},
			{OpID: bID},
		},
	})
}

// Call appends an invocation of a registered function over earlier outputs
// (chainable).
func (b *BatchBuilder) Call(opID int64, function string, inputIDs ...int64) *BatchBuilder {
	inputs := make([]core.RemoteTensorRef, len(inputIDs))
	for i, id := range inputIDs {
		inputs[i] = core.RemoteTensorRef{OpID: id}
	}
	return b.Op(&core.Operation{ID: opID, Name: function, Inputs: inputs, IsFunction: true})
}

// Send appends a send_tensor item publishing literal tensors under opID
// (chainable).
func (b *BatchBuilder) Send(opID int64, tensors ...*core.Tensor) *BatchBuilder {
	b.items = append(b.items, &core.QueueItem{
		SendTensor: &core.SendTensorOp{OpID: opID, Tensors: tensors},
	})
	return b
}

// Register appends a register_function item (chainable).
func (b *BatchBuilder) Register(fn *core.FunctionDef) *BatchBuilder {
	b.items = append(b.items, &core.QueueItem{
		RegisterFunction: &core.RegisterFunctionOp{Function: fn},
	})
	return b
}

// Decref appends a handle_to_decref item for one output (chainable).
func (b *BatchBuilder) Decref(opID int64, outputIndex int32) *BatchBuilder {
	b.items = append(b.items, &core.QueueItem{
		HandleToDecref: &core.RemoteTensorRef{OpID: opID, OutputIndex: outputIndex},
	})
	return b
}

// Cleanup appends a cleanup_function item for a step (chainable).
func (b *BatchBuilder) Cleanup(stepID int64) *BatchBuilder {
	b.items = append(b.items, &core.QueueItem{
		CleanupFunction: &core.CleanupFunctionOp{StepID: stepID},
	})
	return b
}

// Build returns the accumulated items in append order.
func (b *BatchBuilder) Build() []*core.QueueItem {
	return b.items
}
