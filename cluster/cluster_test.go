package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/internal/testutil"
	"github.com/hupe1980/tensormesh/service"
)

// workerPair is a two-task cluster wired through loopback clients. Worker 0
// carries a peers bridge routing to worker 1; worker 1 runs standalone.
type workerPair struct {
	svc0, svc1 *service.Service
	dev0, dev1 string
	cache      *StaticCache
}

func newWorkerPair(t *testing.T) *workerPair {
	t.Helper()

	dev0 := core.LocalDeviceName("worker", 0, 0)
	dev1 := core.LocalDeviceName("worker", 1, 0)

	svc1 := service.New(func(o *service.Options) {
		o.Devices = []core.DeviceAttributes{{Name: dev1, DeviceType: "CPU"}}
	})
	t.Cleanup(svc1.Stop)

	cache := NewStaticCache(map[string]Client{
		core.TaskOfDevice(dev1): NewLoopback(svc1),
	})

	svc0 := service.New(func(o *service.Options) {
		o.Devices = []core.DeviceAttributes{{Name: dev0, DeviceType: "CPU"}}
		o.Peers = NewPeers(cache)
	})
	t.Cleanup(svc0.Stop)

	return &workerPair{svc0: svc0, svc1: svc1, dev0: dev0, dev1: dev1, cache: cache}
}

// createContexts registers the same context id on both workers, each under
// its own task.
func (p *workerPair) createContexts(t *testing.T, id uint64) {
	t.Helper()
	ctx := context.Background()

	_, err := p.svc0.CreateContext(ctx, &core.CreateContextRequest{
		ContextID: id,
		ServerDef: &core.ServerDef{JobName: "worker", TaskIndex: 0},
	})
	require.NoError(t, err)

	_, err = p.svc1.CreateContext(ctx, &core.CreateContextRequest{
		ContextID: id,
		ServerDef: &core.ServerDef{JobName: "worker", TaskIndex: 1},
	})
	require.NoError(t, err)
}

func TestLoopbackDelegation(t *testing.T) {
	svc := service.New()
	t.Cleanup(svc.Stop)

	var client Client = NewLoopback(svc)
	ctx := context.Background()

	createResp, err := client.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, createResp.DeviceAttributes)

	enqResp, err := client.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items:     testutil.NewBatchBuilder().Const(1, testutil.Matrix2x2()).Build(),
	})
	require.NoError(t, err)
	require.NoError(t, enqResp.Responses[0].Err)

	_, err = client.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 1})
	require.NoError(t, err)

	ka, err := client.KeepAlive(ctx, &core.KeepAliveRequest{ContextID: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ka.ContextViewID)

	resolved, err := client.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 1, OpID: 1})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, resolved.Tensor.Floats)

	_, err = client.UpdateContext(ctx, &core.UpdateContextRequest{
		ContextID:     1,
		ServerDef:     &core.ServerDef{JobName: "worker", TaskIndex: 0},
		ContextViewID: 1,
	})
	require.NoError(t, err)

	_, err = client.CloseContext(ctx, &core.CloseContextRequest{ContextID: 1, ContextViewID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, svc.Registry().Len())
}

func TestLoopbackEnqueueAsync(t *testing.T) {
	svc := service.New()
	t.Cleanup(svc.Stop)
	client := NewLoopback(svc)
	ctx := context.Background()

	_, err := client.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)

	type outcome struct {
		resp *core.EnqueueResponse
		err  error
	}
	done := make(chan outcome, 1)

	client.EnqueueAsync(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items:     testutil.NewBatchBuilder().Const(1, testutil.Matrix2x2()).Build(),
	}, func(resp *core.EnqueueResponse, err error) {
		done <- outcome{resp: resp, err: err}
	})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Len(t, out.resp.Responses, 1)
		assert.Equal(t, [][]int64{{2, 2}}, out.resp.Responses[0].Shapes)
	case <-time.After(time.Second):
		t.Fatal("async enqueue never completed")
	}
}

func TestStaticCacheRouting(t *testing.T) {
	svcA := service.New()
	t.Cleanup(svcA.Stop)
	svcB := service.New()
	t.Cleanup(svcB.Stop)

	clientA := NewLoopback(svcA)
	clientB := NewLoopback(svcB)

	cache := NewStaticCache(map[string]Client{
		"/job:worker/replica:0/task:0": clientA,
	})
	cache.Add("/job:worker/replica:0/task:1", clientB)

	got, err := cache.ClientFor("/job:worker/replica:0/task:0/device:CPU:0")
	require.NoError(t, err)
	assert.Same(t, clientA, got)

	got, err = cache.ClientFor("/job:worker/replica:0/task:1/device:CPU:3")
	require.NoError(t, err)
	assert.Same(t, clientB, got)

	_, err = cache.ClientFor("/job:worker/replica:0/task:9/device:CPU:0")
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, core.StatusCode(err))
}

func TestSingleCache(t *testing.T) {
	svc := service.New()
	t.Cleanup(svc.Stop)
	client := NewLoopback(svc)

	cache := NewSingleCache(client)
	for _, device := range []string{"", "/job:worker/replica:0/task:5/device:CPU:0"} {
		got, err := cache.ClientFor(device)
		require.NoError(t, err)
		assert.Same(t, client, got)
	}
}

func TestPeersCrossWorkerFetch(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 77)
	ctx := context.Background()

	// The operand lives on worker 1.
	_, err := p.svc1.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items:     testutil.NewBatchBuilder().Const(1, testutil.Matrix2x2()).Build(),
	})
	require.NoError(t, err)

	// Worker 0 multiplies it without ever seeing the producing op.
	enqResp, err := p.svc0.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items: testutil.NewBatchBuilder().Op(&core.Operation{
			ID:   2,
			Name: "MatMul",
			Inputs: []core.RemoteTensorRef{
				{OpID: 1, OutputIndex: 0, Device: p.dev1},
				{OpID: 1, OutputIndex: 0, Device: p.dev1},
			},
		}).Build(),
	})
	require.NoError(t, err)
	require.NoError(t, enqResp.Responses[0].Err)
	assert.Equal(t, [][]int64{{2, 2}}, enqResp.Responses[0].Shapes)

	resolved, err := p.svc0.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 77, OpID: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)
}

func TestPeersCrossWorkerFetchFailure(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 77)
	ctx := context.Background()

	// Poison op 3 on worker 1.
	_, err := p.svc1.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items:     testutil.NewBatchBuilder().Op(&core.Operation{ID: 3, Name: "Bogus"}).Build(),
	})
	require.NoError(t, err)

	enqResp, err := p.svc0.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items: testutil.NewBatchBuilder().Op(&core.Operation{
			ID:   4,
			Name: "Identity",
			Inputs: []core.RemoteTensorRef{
				{OpID: 3, OutputIndex: 0, Device: p.dev1},
			},
		}).Build(),
	})
	require.NoError(t, err)

	itemErr := enqResp.Responses[0].Err
	require.Error(t, itemErr)
	assert.True(t, core.IsDependencyError(itemErr))
	assert.Equal(t, codes.Unimplemented, core.StatusCode(itemErr), "remote producer failure must surface as the cause")
}

func TestPeersForwardOperation(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 77)
	ctx := context.Background()

	_, err := p.svc1.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items:     testutil.NewBatchBuilder().Const(1, testutil.Matrix2x2()).Build(),
	})
	require.NoError(t, err)

	// Worker 0 enqueues an op placed on worker 1's device; the whole op is
	// forwarded and runs over there.
	enqResp, err := p.svc0.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items: testutil.NewBatchBuilder().Op(&core.Operation{
			ID:     2,
			Name:   "MatMul",
			Device: p.dev1,
			Inputs: []core.RemoteTensorRef{
				{OpID: 1, OutputIndex: 0, Device: p.dev1},
				{OpID: 1, OutputIndex: 0, Device: p.dev1},
			},
		}).Build(),
	})
	require.NoError(t, err)
	require.NoError(t, enqResp.Responses[0].Err)
	assert.Equal(t, [][]int64{{2, 2}}, enqResp.Responses[0].Shapes)

	_, err = p.svc0.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 77, OpIDs: []int64{2}})
	require.NoError(t, err)

	// The result belongs to worker 1, not to the forwarding worker.
	resolved, err := p.svc1.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 77, OpID: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)

	ectx, release, err := p.svc0.Registry().Lookup(77)
	require.NoError(t, err)
	defer release()
	_, _, err = ectx.Table().Resolve(core.HandleKey{OpID: 2})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, core.StatusCode(err))
}

func TestPeersUnroutableDevice(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 77)
	ctx := context.Background()

	enqResp, err := p.svc0.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 77,
		Items: testutil.NewBatchBuilder().Op(&core.Operation{
			ID:     2,
			Name:   "Const",
			Device: "/job:worker/replica:0/task:9/device:CPU:0",
			Attrs:  map[string]core.AttrValue{"value": core.TensorAttr(testutil.Matrix2x2())},
		}).Build(),
	})
	require.NoError(t, err)
	require.Error(t, enqResp.Responses[0].Err)
	assert.Equal(t, codes.Unavailable, core.StatusCode(enqResp.Responses[0].Err))
}

func TestFunctionRuntime(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 5)
	ctx := context.Background()

	_, err := p.svc1.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 5,
		Items:     testutil.NewBatchBuilder().Const(1, testutil.Matrix2x2()).Build(),
	})
	require.NoError(t, err)

	rt := NewFunctionRuntime(5, p.cache)

	handle, err := rt.Instantiate(ctx, testutil.MatMulFunction(), p.dev1)
	require.NoError(t, err)

	shapes, err := rt.Run(ctx, handle, 50, []core.RemoteTensorRef{
		{OpID: 1, OutputIndex: 0, Device: p.dev1},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{2, 2}}, shapes)

	// Outputs live on the executing worker under the invocation's op id.
	resolved, err := p.svc1.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 5, OpID: 50})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)

	require.NoError(t, rt.Cleanup(ctx, handle, 1))
}

func TestFunctionRuntimeUnknownHandle(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 5)

	rt := NewFunctionRuntime(5, p.cache)

	_, err := rt.Run(context.Background(), FunctionHandle(3), 50, nil)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, core.StatusCode(err))
}

func TestFunctionRuntimeInstantiateInvalid(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 5)

	rt := NewFunctionRuntime(5, p.cache)

	broken := testutil.MatMulFunction()
	broken.Ret = map[string]string{"m": "missing:0"}
	_, err := rt.Instantiate(context.Background(), broken, p.dev1)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, core.StatusCode(err))
}

func TestFunctionRuntimeAsync(t *testing.T) {
	p := newWorkerPair(t)
	p.createContexts(t, 5)
	ctx := context.Background()

	_, err := p.svc1.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 5,
		Items:     testutil.NewBatchBuilder().Const(1, testutil.Matrix2x2()).Build(),
	})
	require.NoError(t, err)

	rt := NewFunctionRuntime(5, p.cache)
	handle, err := rt.Instantiate(ctx, testutil.MatMulFunction(), p.dev1)
	require.NoError(t, err)

	type outcome struct {
		shapes [][]int64
		err    error
	}
	done := make(chan outcome, 1)

	rt.RunAsync(ctx, handle, 51, []core.RemoteTensorRef{
		{OpID: 1, OutputIndex: 0, Device: p.dev1},
	}, func(shapes [][]int64, err error) {
		done <- outcome{shapes: shapes, err: err}
	})

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, [][]int64{{2, 2}}, out.shapes)
	case <-time.After(time.Second):
		t.Fatal("async run never completed")
	}
}
