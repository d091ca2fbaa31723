package cluster

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/logging"
)

// FunctionHandle identifies a function instantiated on a peer through a
// FunctionRuntime.
type FunctionHandle int64

// FunctionRuntimeOptions configures a FunctionRuntime.
type FunctionRuntimeOptions struct {
	// Logger receives per-invocation debug output.
	Logger logging.Logger
}

// FunctionRuntime drives registered functions on the workers owning their
// target devices. Instantiate registers the definition on the owning worker;
// Run forwards an invocation as an ordinary operation enqueue, so the remote
// side schedules it exactly like any locally submitted op.
//
// All invocations share the context id the runtime was created with. Handles
// are only meaningful within the runtime that issued them.
type FunctionRuntime struct {
	contextID uint64
	cache     ClientCache
	logger    logging.Logger

	mu        sync.Mutex
	instances []*clusterFunction
}

type clusterFunction struct {
	name   string
	target string
	client Client
}

// NewFunctionRuntime creates a runtime for the given context id, resolving
// target devices through cache.
func NewFunctionRuntime(contextID uint64, cache ClientCache, optFns ...func(o *FunctionRuntimeOptions)) *FunctionRuntime {
	opts := FunctionRuntimeOptions{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &FunctionRuntime{
		contextID: contextID,
		cache:     cache,
		logger:    opts.Logger,
	}
}

// Instantiate registers fdef on the worker owning target and returns a handle
// for later Run calls. The remote side validates the definition; a rejected
// definition surfaces here as the registration item's error.
func (r *FunctionRuntime) Instantiate(ctx context.Context, fdef *core.FunctionDef, target string) (FunctionHandle, error) {
	client, err := r.cache.ClientFor(target)
	if err != nil {
		return -1, err
	}

	resp, err := client.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: r.contextID,
		Items: []*core.QueueItem{
			{RegisterFunction: &core.RegisterFunctionOp{Function: fdef}},
		},
	})
	if err != nil {
		return -1, err
	}
	if e := resp.Responses[0].Err; e != nil {
		return -1, e
	}

	r.mu.Lock()
	r.instances = append(r.instances, &clusterFunction{name: fdef.Name, target: target, client: client})
	handle := FunctionHandle(len(r.instances) - 1)
	r.mu.Unlock()

	r.logger.Debug("instantiated cluster function", "context_id", r.contextID, "function", fdef.Name, "target", target, "handle", int64(handle))
	return handle, nil
}

// Run invokes an instantiated function under the given op id, waiting for the
// peer's per-item result. Inputs may live on any worker; the executing peer
// fetches them the same way it resolves any remote operand. The returned
// shapes describe the function outputs, retrievable afterwards as
// (opID, 0..n-1) handles on the executing peer.
func (r *FunctionRuntime) Run(ctx context.Context, handle FunctionHandle, opID int64, inputs []core.RemoteTensorRef) ([][]int64, error) {
	inst, err := r.lookup(handle)
	if err != nil {
		return nil, err
	}

	callID := uuid.NewString()
	r.logger.Debug("running cluster function", "call_id", callID, "context_id", r.contextID, "function", inst.name, "op_id", opID, "target", inst.target)

	resp, err := inst.client.Enqueue(ctx, r.runRequest(inst, opID, inputs))
	if err != nil {
		r.logger.Debug("cluster function call failed", "call_id", callID, "error", err)
		return nil, err
	}
	if e := resp.Responses[0].Err; e != nil {
		r.logger.Debug("cluster function call failed", "call_id", callID, "error", e)
		return nil, e
	}

	return resp.Responses[0].Shapes, nil
}

// RunAsync invokes an instantiated function without blocking the caller.
// The done callback runs exactly once, from another goroutine, with the
// output shapes or the failure.
func (r *FunctionRuntime) RunAsync(ctx context.Context, handle FunctionHandle, opID int64, inputs []core.RemoteTensorRef, done func(shapes [][]int64, err error)) {
	inst, err := r.lookup(handle)
	if err != nil {
		go done(nil, err)
		return
	}

	callID := uuid.NewString()
	r.logger.Debug("running cluster function", "call_id", callID, "context_id", r.contextID, "function", inst.name, "op_id", opID, "target", inst.target, "async", true)

	inst.client.EnqueueAsync(ctx, r.runRequest(inst, opID, inputs), func(resp *core.EnqueueResponse, err error) {
		if err != nil {
			r.logger.Debug("cluster function call failed", "call_id", callID, "error", err)
			done(nil, err)
			return
		}
		if e := resp.Responses[0].Err; e != nil {
			r.logger.Debug("cluster function call failed", "call_id", callID, "error", e)
			done(nil, e)
			return
		}
		done(resp.Responses[0].Shapes, nil)
	})
}

// Cleanup releases per-step rendezvous state left behind by an invocation
// that ran under stepID on the handle's worker.
func (r *FunctionRuntime) Cleanup(ctx context.Context, handle FunctionHandle, stepID int64) error {
	inst, err := r.lookup(handle)
	if err != nil {
		return err
	}

	resp, err := inst.client.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: r.contextID,
		Items: []*core.QueueItem{
			{CleanupFunction: &core.CleanupFunctionOp{StepID: stepID}},
		},
	})
	if err != nil {
		return err
	}
	return resp.Responses[0].Err
}

func (r *FunctionRuntime) runRequest(inst *clusterFunction, opID int64, inputs []core.RemoteTensorRef) *core.EnqueueRequest {
	return &core.EnqueueRequest{
		ContextID: r.contextID,
		Items: []*core.QueueItem{
			{Operation: &core.Operation{
				ID:         opID,
				Name:       inst.name,
				Inputs:     inputs,
				Device:     inst.target,
				IsFunction: true,
			}},
		},
	}
}

func (r *FunctionRuntime) lookup(handle FunctionHandle) (*clusterFunction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handle < 0 || int(handle) >= len(r.instances) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown cluster function handle %d", handle)
	}
	return r.instances[handle], nil
}
