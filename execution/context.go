package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/handles"
	"github.com/hupe1980/tensormesh/kernel"
	"github.com/hupe1980/tensormesh/logging"
)

// DefaultMaxConcurrentOps bounds the operations a context executes in
// parallel when no override is configured.
const DefaultMaxConcurrentOps = 16

// Options configures a Context.
type Options struct {
	// Executor evaluates operations. Defaults to the built-in kernel executor.
	Executor core.Executor

	// Peers reaches remote workers for cross-task inputs and forwarded
	// operations. When nil every device is treated as local.
	Peers core.Peers

	// Logger receives scheduling and teardown debug output.
	Logger logging.Logger

	// MaxConcurrentOps bounds parallel kernel execution.
	MaxConcurrentOps int

	// ServerDef is the cluster view the context was created under.
	ServerDef *core.ServerDef

	// Devices lists the devices visible to this context. Defaults to a
	// single CPU device derived from ServerDef.
	Devices []core.DeviceAttributes

	// ViewID is the initial cluster view number.
	ViewID uint64
}

// Context is one client's execution session on a worker.
//
// All methods are safe for concurrent use. Operations enqueued through
// Enqueue run asynchronously and serialize through the handle table by data
// dependency; batch dispatch order is preserved by a per-context dispatch
// lock.
type Context struct {
	id uint64

	mu        sync.RWMutex
	serverDef *core.ServerDef
	viewID    uint64
	devices   []core.DeviceAttributes
	functions map[string]*core.FunctionDef

	table      *handles.Table
	rendezvous *core.Rendezvous
	pending    *pendingQueue

	executor core.Executor
	peers    core.Peers
	logger   logging.Logger

	dispatchMu sync.Mutex
	sem        chan struct{}

	lifeCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	localTask string
}

// NewContext creates an execution context for the given id.
func NewContext(id uint64, optFns ...func(o *Options)) *Context {
	opts := Options{
		Logger:           logging.NoOpLogger{},
		MaxConcurrentOps: DefaultMaxConcurrentOps,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Executor == nil {
		opts.Executor = kernel.New()
	}

	if opts.MaxConcurrentOps <= 0 {
		opts.MaxConcurrentOps = DefaultMaxConcurrentOps
	}

	if len(opts.Devices) == 0 {
		var job string
		var task int32
		if opts.ServerDef != nil {
			job = opts.ServerDef.JobName
			task = opts.ServerDef.TaskIndex
		}
		opts.Devices = []core.DeviceAttributes{{
			Name:       core.LocalDeviceName(job, task, 0),
			DeviceType: "CPU",
		}}
	}

	lifeCtx, cancel := context.WithCancel(context.Background())

	return &Context{
		id:         id,
		serverDef:  opts.ServerDef,
		viewID:     opts.ViewID,
		devices:    opts.Devices,
		functions:  make(map[string]*core.FunctionDef),
		table:      handles.NewTable(),
		rendezvous: core.NewRendezvous(),
		pending:    newPendingQueue(),
		executor:   opts.Executor,
		peers:      opts.Peers,
		logger:     opts.Logger,
		sem:        make(chan struct{}, opts.MaxConcurrentOps),
		lifeCtx:    lifeCtx,
		cancel:     cancel,
		localTask:  core.TaskOfDevice(opts.Devices[0].Name),
	}
}

// ID returns the context identifier.
func (c *Context) ID() uint64 { return c.id }

// ViewID returns the current cluster view number.
func (c *Context) ViewID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewID
}

// ServerDef returns the cluster view the context currently operates under.
func (c *Context) ServerDef() *core.ServerDef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverDef
}

// Devices returns the device set visible to this context.
func (c *Context) Devices() []core.DeviceAttributes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]core.DeviceAttributes, len(c.devices))
	copy(out, c.devices)
	return out
}

// UpdateView replaces the cluster view. The new view id must follow the
// current one; functions and the handle table are preserved.
func (c *Context) UpdateView(serverDef *core.ServerDef, viewID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if viewID != c.viewID+1 {
		return core.ErrStaleViewID(c.id, viewID, c.viewID+1)
	}
	c.serverDef = serverDef
	c.viewID = viewID
	return nil
}

// LookupFunction implements core.FunctionLibrary.
func (c *Context) LookupFunction(name string) (*core.FunctionDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.functions[name]
	return fn, ok
}

// RegisterFunction installs a function definition. Re-registering an
// identical definition is a no-op; a different definition under the same
// name overwrites it with a warning.
func (c *Context) RegisterFunction(fn *core.FunctionDef) error {
	if fn == nil {
		return status.Errorf(codes.InvalidArgument, "register_function item carries no definition")
	}
	if err := fn.Validate(); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid function definition: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.functions[fn.Name]; ok {
		if existing.Equal(fn) {
			return nil
		}
		c.logger.Warn("function redefined with a different body", "context_id", c.id, "function", fn.Name)
	}
	c.functions[fn.Name] = fn
	return nil
}

// Enqueue dispatches a batch of queue items in order and waits for every
// item it dispatched to complete or fail. Per-item failures land in the
// matching QueueResponse; only a malformed batch fails the call itself. The
// batch keeps executing on context-owned goroutines even if ctx is
// cancelled mid-flight.
func (c *Context) Enqueue(ctx context.Context, items []*core.QueueItem) ([]*core.QueueResponse, error) {
	if c.closed.Load() {
		return nil, core.ErrContextClosed(c.id)
	}

	responses := make([]*core.QueueResponse, len(items))
	var wg sync.WaitGroup

	c.dispatchMu.Lock()
	for i, item := range items {
		resp := &core.QueueResponse{}
		responses[i] = resp

		if item == nil {
			c.dispatchMu.Unlock()
			return nil, status.Errorf(codes.InvalidArgument, "queue item %d is empty", i)
		}

		switch {
		case item.Operation != nil:
			if err := c.dispatchOperation(item.Operation, resp, &wg); err != nil {
				c.dispatchMu.Unlock()
				return nil, err
			}
		case item.HandleToDecref != nil:
			if err := c.table.DecRef(item.HandleToDecref.Key()); err != nil {
				resp.Err = err
			}
		case item.SendTensor != nil:
			if err := c.applySendTensor(item.SendTensor); err != nil {
				resp.Err = err
			}
		case item.RegisterFunction != nil:
			if err := c.RegisterFunction(item.RegisterFunction.Function); err != nil {
				resp.Err = err
			}
		case item.CleanupFunction != nil:
			n := c.rendezvous.CleanupStep(item.CleanupFunction.StepID)
			c.logger.Debug("step cleaned up", "context_id", c.id, "step_id", item.CleanupFunction.StepID, "entries", n)
		default:
			c.dispatchMu.Unlock()
			return nil, status.Errorf(codes.InvalidArgument, "queue item %d has no recognized payload", i)
		}
	}
	c.dispatchMu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return responses, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// dispatchOperation validates an operation item and hands it to an executor
// goroutine. It runs under the dispatch lock so pending registration order
// matches batch order.
func (c *Context) dispatchOperation(op *core.Operation, resp *core.QueueResponse, wg *sync.WaitGroup) error {
	if op.ID == 0 {
		return status.Errorf(codes.InvalidArgument, "operation %q has no id", op.Name)
	}

	if !c.isLocalDevice(op.Device) {
		it := c.pending.add(op.ID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			shapes, err := c.peers.Forward(c.lifeCtx, c.id, op)
			if err != nil {
				resp.Err = err
			} else {
				resp.Shapes = shapes
			}
			c.pending.retire(it, err)
		}()
		return nil
	}

	numOutputs, err := c.executor.NumOutputs(op.Name, c)
	if err != nil {
		if op.IsFunction {
			err = core.ErrUnknownFunction(op.Name)
		}
		// The op can never run; poison its first output so dependents
		// fail fast instead of blocking.
		c.table.Fail(core.HandleKey{OpID: op.ID}, err)
		resp.Err = err
		it := c.pending.add(op.ID)
		c.pending.retire(it, err)
		return nil
	}

	for k := 0; k < numOutputs; k++ {
		c.table.RegisterPending(core.HandleKey{OpID: op.ID, OutputIndex: int32(k)})
	}

	it := c.pending.add(op.ID)
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		err := c.runOperation(op, numOutputs, resp)
		if err != nil {
			resp.Err = err
		}
		c.pending.retire(it, err)
		c.logger.Debug("operation retired",
			"context_id", c.id, "op", op.Name, "op_id", op.ID,
			"duration", time.Since(start), "error", err)
	}()
	return nil
}

// runOperation resolves inputs, evaluates the op under the concurrency
// bound and publishes its outputs. Any failure poisons all declared outputs.
func (c *Context) runOperation(op *core.Operation, numOutputs int, resp *core.QueueResponse) error {
	inputs, err := c.resolveInputs(op)
	if err != nil {
		c.failOutputs(op.ID, numOutputs, err)
		return err
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-c.lifeCtx.Done():
		err := core.ErrContextClosed(c.id)
		c.failOutputs(op.ID, numOutputs, err)
		return err
	}

	device := c.deviceOrLocal(op.Device)
	env := &core.CallEnv{
		Inputs:     inputs,
		Functions:  c,
		Rendezvous: c.rendezvous,
		StepID:     op.Attrs["step_id"].GetInt(0),
		Device:     device,
	}

	outs, err := c.executor.Execute(c.lifeCtx, op, env)
	if err != nil {
		c.failOutputs(op.ID, numOutputs, err)
		return err
	}
	if len(outs) != numOutputs {
		err := status.Errorf(codes.Internal, "op %q produced %d outputs, declared %d", op.Name, len(outs), numOutputs)
		c.failOutputs(op.ID, numOutputs, err)
		return err
	}

	shapes := make([][]int64, len(outs))
	devices := make([]string, len(outs))
	for k, out := range outs {
		key := core.HandleKey{OpID: op.ID, OutputIndex: int32(k)}
		if err := c.table.Publish(key, out, device); err != nil {
			c.failOutputs(op.ID, numOutputs, err)
			return err
		}
		shapes[k] = out.Shape()
		devices[k] = device
	}
	resp.Shapes = shapes
	resp.Devices = devices
	return nil
}

// resolveInputs blocks until every input ref is available, fetching
// cross-task refs through the peers bridge.
func (c *Context) resolveInputs(op *core.Operation) ([]*core.Tensor, error) {
	if len(op.Inputs) == 0 {
		return nil, nil
	}
	inputs := make([]*core.Tensor, len(op.Inputs))
	for i, ref := range op.Inputs {
		var t *core.Tensor
		var err error
		if c.isLocalDevice(ref.Device) {
			t, _, err = c.table.ResolveBlocking(c.lifeCtx, ref.Key())
		} else {
			t, err = c.peers.Fetch(c.lifeCtx, c.id, ref)
			if err != nil {
				err = core.NewDependencyError(ref, err)
			}
		}
		if err != nil {
			return nil, err
		}
		inputs[i] = t
	}
	return inputs, nil
}

func (c *Context) failOutputs(opID int64, numOutputs int, err error) {
	if numOutputs == 0 {
		return
	}
	for k := 0; k < numOutputs; k++ {
		c.table.Fail(core.HandleKey{OpID: opID, OutputIndex: int32(k)}, err)
	}
}

// applySendTensor publishes injected tensors as the outputs of the given op
// id without executing anything.
func (c *Context) applySendTensor(st *core.SendTensorOp) error {
	if st.OpID == 0 {
		return status.Errorf(codes.InvalidArgument, "send_tensor item has no op id")
	}
	if len(st.Tensors) == 0 {
		return status.Errorf(codes.InvalidArgument, "send_tensor item carries no tensors")
	}
	device := c.deviceOrLocal(st.Device)
	for k, t := range st.Tensors {
		if t == nil {
			return status.Errorf(codes.InvalidArgument, "send_tensor item tensor %d is nil", k)
		}
		if err := t.Validate(); err != nil {
			return status.Errorf(codes.InvalidArgument, "send_tensor item tensor %d: %v", k, err)
		}
		key := core.HandleKey{OpID: st.OpID, OutputIndex: int32(k)}
		if err := c.table.Publish(key, t.Clone(), device); err != nil {
			return err
		}
	}
	return nil
}

// WaitAll blocks until every previously dispatched item has retired, then
// reports the context's accumulated operation failures.
func (c *Context) WaitAll(ctx context.Context) error {
	return c.pending.waitAll(ctx)
}

// WaitOps blocks until the named ops have retired and reports the failures
// of exactly that set.
func (c *Context) WaitOps(ctx context.Context, opIDs []int64) error {
	return c.pending.waitOps(ctx, opIDs)
}

// ResolveTensor returns the value of a produced output, blocking while its
// producer is still in flight.
func (c *Context) ResolveTensor(ctx context.Context, opID int64, outputIndex int32) (*core.Tensor, error) {
	t, _, err := c.table.ResolveBlocking(ctx, core.HandleKey{OpID: opID, OutputIndex: outputIndex})
	return t, err
}

// Table exposes the handle table for in-process collaborators.
func (c *Context) Table() *handles.Table { return c.table }

// Rendezvous exposes the step mailbox for in-process collaborators.
func (c *Context) Rendezvous() *core.Rendezvous { return c.rendezvous }

// Close tears the context down: in-flight operations finish or fail against
// the closed table, all waiters are woken with Cancelled, and resources are
// released unconditionally. Close is idempotent and always succeeds.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	closeErr := core.ErrContextClosed(c.id)
	c.cancel()
	c.table.Close(closeErr)
	c.rendezvous.Abort(closeErr)
	c.pending.close(closeErr)
	c.logger.Debug("execution context closed", "context_id", c.id)
	return nil
}

// Closed reports whether Close has been called.
func (c *Context) Closed() bool { return c.closed.Load() }

func (c *Context) isLocalDevice(device string) bool {
	if device == "" || c.peers == nil {
		return true
	}
	return core.SameTask(device, c.localTask)
}

func (c *Context) deviceOrLocal(device string) string {
	if device != "" {
		return device
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices[0].Name
}
