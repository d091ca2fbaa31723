package core

// ServerDef describes the cluster membership view a context was created
// under. JobName and TaskIndex identify the local task; Cluster lists every
// task address keyed by "job/task" name.
type ServerDef struct {
	JobName   string            `json:"job_name"`
	TaskIndex int32             `json:"task_index"`
	Cluster   map[string]string `json:"cluster,omitempty"`
}

// DeviceAttributes describes one device available on a worker.
type DeviceAttributes struct {
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
	MemoryMB   int64  `json:"memory_mb,omitempty"`
}

// CreateContextRequest registers a new execution context on a worker.
// ContextID is chosen by the client. ContextViewID starts at 0 and is bumped
// by UpdateContext.
type CreateContextRequest struct {
	ServerDef     *ServerDef `json:"server_def,omitempty"`
	ContextID     uint64     `json:"context_id"`
	ContextViewID uint64     `json:"context_view_id,omitempty"`
	KeepAliveSecs int64      `json:"keep_alive_secs,omitempty"`
	Async         bool       `json:"async,omitempty"`
	LazyCopy      bool       `json:"lazy_copy_remote_function_inputs,omitempty"`
}

// CreateContextResponse reports the devices the new context can place
// operations on.
type CreateContextResponse struct {
	DeviceAttributes []DeviceAttributes `json:"device_attributes,omitempty"`
}

// UpdateContextRequest replaces the cluster view of an existing context.
// ContextViewID must be exactly one greater than the current view.
type UpdateContextRequest struct {
	ServerDef     *ServerDef `json:"server_def,omitempty"`
	ContextID     uint64     `json:"context_id"`
	ContextViewID uint64     `json:"context_view_id"`
}

// UpdateContextResponse reports the post-update device set.
type UpdateContextResponse struct {
	DeviceAttributes []DeviceAttributes `json:"device_attributes,omitempty"`
}

// EnqueueRequest appends a batch of queue items to a context.
type EnqueueRequest struct {
	ContextID uint64       `json:"context_id"`
	Items     []*QueueItem `json:"items"`
}

// EnqueueResponse carries one QueueResponse per request item, in order.
type EnqueueResponse struct {
	Responses []*QueueResponse `json:"responses,omitempty"`
}

// WaitQueueDoneRequest blocks until the referenced operations have retired.
// An empty OpIDs list waits for everything enqueued so far.
type WaitQueueDoneRequest struct {
	ContextID uint64  `json:"context_id"`
	OpIDs     []int64 `json:"op_ids,omitempty"`
}

// WaitQueueDoneResponse is empty; errors surface through the call error.
type WaitQueueDoneResponse struct{}

// KeepAliveRequest refreshes the idle timer of a context.
type KeepAliveRequest struct {
	ContextID uint64 `json:"context_id"`
}

// KeepAliveResponse echoes the current view id so clients can detect a
// cluster update they missed.
type KeepAliveResponse struct {
	ContextViewID uint64 `json:"context_view_id"`
}

// CloseContextRequest tears down a context. A stale ContextViewID makes the
// close a no-op, so late closes after an update cannot kill the new view.
type CloseContextRequest struct {
	ContextID     uint64 `json:"context_id"`
	ContextViewID uint64 `json:"context_view_id,omitempty"`
}

// CloseContextResponse is empty.
type CloseContextResponse struct{}

// ResolveTensorRequest fetches the concrete value of a produced tensor,
// blocking until the producing operation has finished.
type ResolveTensorRequest struct {
	ContextID   uint64 `json:"context_id"`
	OpID        int64  `json:"op_id"`
	OutputIndex int32  `json:"output_index"`
}

// ResolveTensorResponse carries the resolved tensor value.
type ResolveTensorResponse struct {
	Tensor *Tensor `json:"tensor"`
}

// RunComponentFunctionRequest executes a single registered function on this
// worker as part of a multi-device invocation driven by another worker.
type RunComponentFunctionRequest struct {
	ContextID uint64     `json:"context_id"`
	Operation *Operation `json:"operation"`
	OutputNum []int32    `json:"output_num,omitempty"`
}

// RunComponentFunctionResponse reports the produced output shapes and values.
type RunComponentFunctionResponse struct {
	Shapes  [][]int64 `json:"shapes,omitempty"`
	Tensors []*Tensor `json:"tensors,omitempty"`
}
