// Package tensormesh provides a high-level façade over the worker service and
// cluster abstractions (execution contexts, handle tables, the peers bridge &
// logging) enabling rapid construction of distributed eager execution setups.
// Most applications interact with this package by:
//  1. Creating a Worker via New() (optionally overriding devices, executor or peers)
//  2. Creating an execution context under a client-chosen id (CreateContext)
//  3. Enqueueing operation batches and resolving produced tensors
//
// The façade delegates request handling to service.Service while keeping setup
// and usage ergonomics concise. All defaults are safe for local development and
// testing; multi-worker deployments supply a peers bridge built from a
// cluster.ClientCache and a structured logger.
package tensormesh

import (
	"context"

	"github.com/hupe1980/tensormesh/cluster"
	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/logging"
	"github.com/hupe1980/tensormesh/service"
)

// Options configures the Worker instance.
type Options struct {
	// ServiceConfig carries dispatcher tuning (sweep cadence, per-context
	// concurrency, default keep-alive lease).
	ServiceConfig service.Config

	// Executor evaluates operations. Defaults to the built-in kernel set.
	Executor core.Executor

	// Peers reaches remote workers for cross-task inputs and forwarded
	// operations. Nil means single-task operation.
	Peers core.Peers

	// Devices lists the devices this worker advertises. Defaults to a single
	// local CPU device.
	Devices []core.DeviceAttributes

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Worker is the high-level façade aggregating the dispatcher service and a
// loopback client over it.
type Worker struct {
	opts Options
	svc  *service.Service
}

// New creates a new Worker instance with optional overrides. Any unset
// collaborator is initialized with a local in-process implementation.
func New(optFns ...func(o *Options)) *Worker {
	opts := Options{
		ServiceConfig: service.DefaultConfig,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	svc := service.New(func(o *service.Options) {
		o.Config = opts.ServiceConfig
		o.Executor = opts.Executor
		o.Peers = opts.Peers
		o.Devices = opts.Devices
		o.Logger = opts.Logger
	})

	return &Worker{opts: opts, svc: svc}
}

// Service exposes the underlying dispatcher for advanced wiring, such as
// registering a master context.
func (w *Worker) Service() *service.Service { return w.svc }

// Client returns a loopback client over this worker, usable wherever a
// cluster.Client is expected.
func (w *Worker) Client() cluster.Client { return cluster.NewLoopback(w.svc) }

// CreateContext registers a new execution context under the client-chosen id.
func (w *Worker) CreateContext(ctx context.Context, req *core.CreateContextRequest) (*core.CreateContextResponse, error) {
	return w.svc.CreateContext(ctx, req)
}

// UpdateContext replaces the cluster view of an existing context.
func (w *Worker) UpdateContext(ctx context.Context, req *core.UpdateContextRequest) (*core.UpdateContextResponse, error) {
	return w.svc.UpdateContext(ctx, req)
}

// Enqueue appends a batch of queue items to a context and returns per-item
// results once every item has completed or failed.
func (w *Worker) Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.EnqueueResponse, error) {
	return w.svc.Enqueue(ctx, req)
}

// WaitQueueDone blocks until the named ops (or all enqueued work) have
// completed.
func (w *Worker) WaitQueueDone(ctx context.Context, req *core.WaitQueueDoneRequest) (*core.WaitQueueDoneResponse, error) {
	return w.svc.WaitQueueDone(ctx, req)
}

// KeepAlive refreshes the idle lease of a context.
func (w *Worker) KeepAlive(ctx context.Context, req *core.KeepAliveRequest) (*core.KeepAliveResponse, error) {
	return w.svc.KeepAlive(ctx, req)
}

// CloseContext tears a context down.
func (w *Worker) CloseContext(ctx context.Context, req *core.CloseContextRequest) (*core.CloseContextResponse, error) {
	return w.svc.CloseContext(ctx, req)
}

// ResolveTensor fetches the value of a produced tensor, blocking while its
// producer is still in flight.
func (w *Worker) ResolveTensor(ctx context.Context, req *core.ResolveTensorRequest) (*core.ResolveTensorResponse, error) {
	return w.svc.ResolveTensor(ctx, req)
}

// EnqueueAndResolve is a synchronous helper that enqueues a batch, surfaces
// the first per-item failure as a call error and fetches the output named by
// (opID, outputIndex).
func (w *Worker) EnqueueAndResolve(ctx context.Context, contextID uint64, items []*core.QueueItem, opID int64, outputIndex int32) (*core.Tensor, error) {
	enqResp, err := w.svc.Enqueue(ctx, &core.EnqueueRequest{ContextID: contextID, Items: items})
	if err != nil {
		return nil, err
	}
	for _, r := range enqResp.Responses {
		if r.Err != nil {
			return nil, r.Err
		}
	}

	resolved, err := w.svc.ResolveTensor(ctx, &core.ResolveTensorRequest{
		ContextID:   contextID,
		OpID:        opID,
		OutputIndex: outputIndex,
	})
	if err != nil {
		return nil, err
	}
	return resolved.Tensor, nil
}

// Stop halts the worker, closing every remaining context.
func (w *Worker) Stop() { w.svc.Stop() }
