// Package service implements the worker-side request dispatcher.
//
// A Service owns the context registry and exposes the remote surface of a
// worker: CreateContext, UpdateContext, Enqueue, WaitQueueDone, KeepAlive,
// CloseContext plus the data-plane ResolveTensor fetch. A background sweeper
// reclaims contexts whose keep-alive lease has lapsed. Peer workers and the
// cluster function bridge drive the exact same methods as ordinary clients.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/execution"
	"github.com/hupe1980/tensormesh/kernel"
	"github.com/hupe1980/tensormesh/logging"
	"github.com/hupe1980/tensormesh/registry"
)

// Config defines tuning parameters for a Service.
type Config struct {
	// SweepInterval is the cadence of the keep-alive sweeper. It should be
	// much shorter than typical leases.
	SweepInterval time.Duration

	// MaxConcurrentOps bounds parallel operation execution per context.
	MaxConcurrentOps int

	// DefaultKeepAlive is the lease applied when CreateContext does not
	// carry one.
	DefaultKeepAlive time.Duration
}

// DefaultConfig provides production-ready defaults: a one second sweep and a
// ten minute idle lease.
var DefaultConfig = Config{
	SweepInterval:    time.Second,
	MaxConcurrentOps: execution.DefaultMaxConcurrentOps,
	DefaultKeepAlive: 10 * time.Minute,
}

// Options configures a Service instance using the functional options pattern.
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Executor evaluates operations for every context this service creates.
	// Defaults to the built-in kernel executor.
	Executor core.Executor

	// Peers reaches remote workers for cross-task inputs and forwarded
	// operations. Nil means single-task operation.
	Peers core.Peers

	// Devices lists the devices this worker advertises. Defaults to a
	// single local CPU device.
	Devices []core.DeviceAttributes

	// Logger provides structured logging. Defaults to NoOp logger.
	Logger logging.Logger
}

// Service is the node-local execution context service.
//
// All methods are safe for concurrent use from any number of peers. Requests
// against unknown or already-closed context ids fail fast with an
// invalid-argument error carrying the literal id; everything else is scoped
// to the context named by the request.
type Service struct {
	config   Config
	executor core.Executor
	peers    core.Peers
	devices  []core.DeviceAttributes
	logger   logging.Logger

	registry *registry.Registry

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New creates a Service and starts its keep-alive sweeper.
//
// Example:
//
//	svc := service.New(func(o *service.Options) {
//	    o.Config.SweepInterval = 100 * time.Millisecond
//	    o.Logger = logger
//	})
//	defer svc.Stop()
func New(optFns ...func(o *Options)) *Service {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Executor == nil {
		opts.Executor = kernel.New(func(o *kernel.Options) { o.Logger = opts.Logger })
	}

	if opts.Config.SweepInterval <= 0 {
		opts.Config.SweepInterval = DefaultConfig.SweepInterval
	}

	if opts.Config.DefaultKeepAlive <= 0 {
		opts.Config.DefaultKeepAlive = DefaultConfig.DefaultKeepAlive
	}

	if len(opts.Devices) == 0 {
		opts.Devices = []core.DeviceAttributes{{
			Name:       core.LocalDeviceName("localhost", 0, 0),
			DeviceType: "CPU",
		}}
	}

	s := &Service{
		config:   opts.Config,
		executor: opts.Executor,
		peers:    opts.Peers,
		devices:  opts.Devices,
		logger:   opts.Logger,
		registry: registry.New(func(o *registry.Options) { o.Logger = opts.Logger }),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Devices returns the device set this worker advertises.
func (s *Service) Devices() []core.DeviceAttributes {
	out := make([]core.DeviceAttributes, len(s.devices))
	copy(out, s.devices)
	return out
}

// Registry exposes the context registry for in-process collaborators.
func (s *Service) Registry() *registry.Registry { return s.registry }

// newContext builds an execution context wired with this service's
// collaborators.
func (s *Service) newContext(req *core.CreateContextRequest) *execution.Context {
	return execution.NewContext(req.ContextID, func(o *execution.Options) {
		o.Executor = s.executor
		o.Peers = s.peers
		o.Logger = s.logger
		o.MaxConcurrentOps = s.config.MaxConcurrentOps
		o.ServerDef = req.ServerDef
		o.Devices = s.devices
		o.ViewID = req.ContextViewID
	})
}

// CreateContext registers a new execution context under the client-chosen id.
func (s *Service) CreateContext(ctx context.Context, req *core.CreateContextRequest) (*core.CreateContextResponse, error) {
	reqID := uuid.NewString()
	s.logger.Debug("create context", "request_id", reqID, "context_id", req.ContextID, "view_id", req.ContextViewID)

	lease := time.Duration(req.KeepAliveSecs) * time.Second
	if lease <= 0 {
		lease = s.config.DefaultKeepAlive
	}

	ectx := s.newContext(req)
	if err := s.registry.Create(req.ContextID, ectx, lease); err != nil {
		_ = ectx.Close()
		return nil, err
	}

	return &core.CreateContextResponse{DeviceAttributes: ectx.Devices()}, nil
}

// RegisterMasterContext installs an externally built context, bypassing the
// create path so a co-located master can address itself through the same id
// space as remote workers. Master contexts carry no lease and are never
// reaped.
func (s *Service) RegisterMasterContext(id uint64, ectx *execution.Context) error {
	s.logger.Debug("register master context", "context_id", id)
	return s.registry.Create(id, ectx, 0)
}

// UpdateContext replaces the cluster view of an existing context, preserving
// its functions and handle table.
func (s *Service) UpdateContext(ctx context.Context, req *core.UpdateContextRequest) (*core.UpdateContextResponse, error) {
	ectx, release, err := s.registry.Lookup(req.ContextID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := ectx.UpdateView(req.ServerDef, req.ContextViewID); err != nil {
		return nil, err
	}
	return &core.UpdateContextResponse{DeviceAttributes: ectx.Devices()}, nil
}

// Enqueue appends a batch of queue items to a context and returns per-item
// results once every item has completed or failed.
func (s *Service) Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.EnqueueResponse, error) {
	reqID := uuid.NewString()

	ectx, release, err := s.registry.Lookup(req.ContextID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	responses, err := ectx.Enqueue(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("enqueue completed",
		"request_id", reqID, "context_id", req.ContextID,
		"items", len(req.Items), "duration", time.Since(start))
	return &core.EnqueueResponse{Responses: responses}, nil
}

// WaitQueueDone blocks until the named ops (or, with an empty set, all
// enqueued work) have completed, reporting the failures of the awaited set.
func (s *Service) WaitQueueDone(ctx context.Context, req *core.WaitQueueDoneRequest) (*core.WaitQueueDoneResponse, error) {
	ectx, release, err := s.registry.Lookup(req.ContextID)
	if err != nil {
		return nil, err
	}
	defer release()

	if len(req.OpIDs) == 0 {
		err = ectx.WaitAll(ctx)
	} else {
		err = ectx.WaitOps(ctx, req.OpIDs)
	}
	if err != nil {
		return nil, err
	}
	return &core.WaitQueueDoneResponse{}, nil
}

// KeepAlive refreshes the idle lease of a context.
func (s *Service) KeepAlive(ctx context.Context, req *core.KeepAliveRequest) (*core.KeepAliveResponse, error) {
	ectx, release, err := s.registry.Lookup(req.ContextID)
	if err != nil {
		return nil, err
	}
	defer release()

	return &core.KeepAliveResponse{ContextViewID: ectx.ViewID()}, nil
}

// CloseContext tears a context down. Requests carrying a stale view id are
// ignored so a late close racing a cluster update cannot kill the new view.
func (s *Service) CloseContext(ctx context.Context, req *core.CloseContextRequest) (*core.CloseContextResponse, error) {
	ectx, release, err := s.registry.Lookup(req.ContextID)
	if err != nil {
		return nil, err
	}

	if req.ContextViewID < ectx.ViewID() {
		release()
		s.logger.Debug("ignoring stale close", "context_id", req.ContextID,
			"request_view_id", req.ContextViewID, "view_id", ectx.ViewID())
		return &core.CloseContextResponse{}, nil
	}
	release()

	if err := s.registry.Close(req.ContextID); err != nil {
		return nil, err
	}
	return &core.CloseContextResponse{}, nil
}

// ResolveTensor fetches the value of a produced tensor, blocking while its
// producer is still in flight. Peers use this to materialize cross-task
// inputs.
func (s *Service) ResolveTensor(ctx context.Context, req *core.ResolveTensorRequest) (*core.ResolveTensorResponse, error) {
	ectx, release, err := s.registry.Lookup(req.ContextID)
	if err != nil {
		return nil, err
	}
	defer release()

	t, err := ectx.ResolveTensor(ctx, req.OpID, req.OutputIndex)
	if err != nil {
		return nil, err
	}
	return &core.ResolveTensorResponse{Tensor: t}, nil
}

// Stop halts the sweeper and closes every remaining context. It is safe to
// call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.stopped

		for _, id := range s.registry.IDs() {
			if err := s.registry.Close(id); err == nil {
				s.logger.Debug("context closed at shutdown", "context_id", id)
			}
		}
	})
}
