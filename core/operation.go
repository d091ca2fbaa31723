package core

import "fmt"

// RemoteTensorRef identifies one output of an operation previously enqueued
// on some context, addressable across workers.
type RemoteTensorRef struct {
	OpID        int64  `json:"op_id"`
	OutputIndex int32  `json:"output_index"`
	Device      string `json:"device,omitempty"`
	OpDevice    string `json:"op_device,omitempty"`
}

// Key returns the (op id, output index) pair used as the handle table key.
func (r RemoteTensorRef) Key() HandleKey {
	return HandleKey{OpID: r.OpID, OutputIndex: r.OutputIndex}
}

// String renders the reference for logs and error messages.
func (r RemoteTensorRef) String() string {
	return fmt.Sprintf("%d:%d@%s", r.OpID, r.OutputIndex, r.Device)
}

// HandleKey addresses a single produced tensor inside a handle table.
type HandleKey struct {
	OpID        int64
	OutputIndex int32
}

// Operation describes a single eager op to execute. Inputs are references to
// outputs of earlier operations in the same context. ID is assigned by the
// client and must be unique within the context.
type Operation struct {
	ID         int64                `json:"id"`
	Name       string               `json:"name"`
	Inputs     []RemoteTensorRef    `json:"inputs,omitempty"`
	Device     string               `json:"device,omitempty"`
	Attrs      map[string]AttrValue `json:"attrs,omitempty"`
	IsFunction bool                 `json:"is_function,omitempty"`
}

// SendTensorOp pushes literal tensors into a context, making them available
// as outputs of the given op id without executing anything.
type SendTensorOp struct {
	OpID    int64     `json:"op_id"`
	Tensors []*Tensor `json:"tensors"`
	Device  string    `json:"device,omitempty"`
}

// RegisterFunctionOp installs a function definition into the context library.
type RegisterFunctionOp struct {
	Function *FunctionDef `json:"function"`
}

// CleanupFunctionOp releases per-step rendezvous state for a finished
// multi-device function invocation.
type CleanupFunctionOp struct {
	StepID int64 `json:"step_id"`
}

// QueueItem is one element of an enqueue batch. Exactly one field is set.
type QueueItem struct {
	Operation        *Operation          `json:"operation,omitempty"`
	HandleToDecref   *RemoteTensorRef    `json:"handle_to_decref,omitempty"`
	SendTensor       *SendTensorOp       `json:"send_tensor,omitempty"`
	RegisterFunction *RegisterFunctionOp `json:"register_function,omitempty"`
	CleanupFunction  *CleanupFunctionOp  `json:"cleanup_function,omitempty"`
}

// Kind returns a short tag naming which field of the item is set.
func (q *QueueItem) Kind() string {
	switch {
	case q.Operation != nil:
		return "operation"
	case q.HandleToDecref != nil:
		return "handle_to_decref"
	case q.SendTensor != nil:
		return "send_tensor"
	case q.RegisterFunction != nil:
		return "register_function"
	case q.CleanupFunction != nil:
		return "cleanup_function"
	default:
		return "empty"
	}
}

// QueueResponse carries the per-item result of an enqueue batch element.
// For operations it reports the shapes of the produced outputs. A failing
// item sets Err; the failure poisons only its dependents, never the whole
// batch.
type QueueResponse struct {
	Shapes  [][]int64 `json:"shapes,omitempty"`
	Devices []string  `json:"devices,omitempty"`
	Err     error     `json:"-"`
}
