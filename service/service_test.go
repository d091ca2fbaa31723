package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/execution"
)

func newTestService(t *testing.T, optFns ...func(o *Options)) *Service {
	t.Helper()
	s := New(optFns...)
	t.Cleanup(s.Stop)
	return s
}

func matrix2x2() *core.Tensor {
	return core.NewMatrix(2, 2, []float32{1, 2, 3, 4})
}

func constItem(opID int64) *core.QueueItem {
	return &core.QueueItem{Operation: &core.Operation{
		ID:    opID,
		Name:  "Const",
		Attrs: map[string]core.AttrValue{"value": core.TensorAttr(matrix2x2())},
	}}
}

func matMulItem(opID, srcID int64) *core.QueueItem {
	return &core.QueueItem{Operation: &core.Operation{
		ID:   opID,
		Name: "MatMul",
		Inputs: []core.RemoteTensorRef{
			{OpID: srcID, OutputIndex: 0},
			{OpID: srcID, OutputIndex: 0},
		},
	}}
}

func matMulFunctionDef() *core.FunctionDef {
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

func TestServiceBasic(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	createResp, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, createResp.DeviceAttributes)

	enqResp, err := s.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items:     []*core.QueueItem{constItem(1), matMulItem(2, 1)},
	})
	require.NoError(t, err)
	require.Len(t, enqResp.Responses, 2)
	require.NoError(t, enqResp.Responses[0].Err)
	require.NoError(t, enqResp.Responses[1].Err)
	assert.Equal(t, [][]int64{{2, 2}}, enqResp.Responses[1].Shapes)

	_, err = s.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 1})
	require.NoError(t, err)

	resolved, err := s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 1, OpID: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)

	_, err = s.CloseContext(ctx, &core.CloseContextRequest{ContextID: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Registry().Len())
}

func TestServiceBasicFunction(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)

	enqResp, err := s.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items: []*core.QueueItem{
			{RegisterFunction: &core.RegisterFunctionOp{Function: matMulFunctionDef()}},
			constItem(1),
			{Operation: &core.Operation{
				ID:     2,
				Name:   "MatMulFunction",
				Inputs: []core.RemoteTensorRef{{OpID: 1, OutputIndex: 0}},
			}},
		},
	})
	require.NoError(t, err)
	for i, r := range enqResp.Responses {
		require.NoError(t, r.Err, "item %d", i)
	}

	resolved, err := s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 1, OpID: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)

	_, err = s.CloseContext(ctx, &core.CloseContextRequest{ContextID: 1})
	require.NoError(t, err)
}

func TestServiceSendTensor(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items: []*core.QueueItem{
			{SendTensor: &core.SendTensorOp{OpID: 1, Tensors: []*core.Tensor{matrix2x2()}}},
			matMulItem(2, 1),
		},
	})
	require.NoError(t, err)

	resolved, err := s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 1, OpID: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)
}

func TestServiceRequestsToMaster(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	masterCtx := execution.NewContext(7)
	_, err := masterCtx.Enqueue(ctx, []*core.QueueItem{
		{SendTensor: &core.SendTensorOp{OpID: 1, Tensors: []*core.Tensor{matrix2x2()}}},
	})
	require.NoError(t, err)

	// The service has never heard of the master's context id.
	_, err = s.Enqueue(ctx, &core.EnqueueRequest{ContextID: 7, Items: []*core.QueueItem{matMulItem(2, 1)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to find a context_id matching the specified one")

	require.NoError(t, s.RegisterMasterContext(7, masterCtx))

	_, err = s.Enqueue(ctx, &core.EnqueueRequest{ContextID: 7, Items: []*core.QueueItem{matMulItem(2, 1)}})
	require.NoError(t, err)

	resolved, err := s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 7, OpID: 2})
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)
}

func TestServiceKeepAlive(t *testing.T) {
	t.Run("idle context is reaped after its lease", func(t *testing.T) {
		s := newTestService(t, func(o *Options) {
			o.Config.SweepInterval = 10 * time.Millisecond
			o.Config.DefaultKeepAlive = 50 * time.Millisecond
		})
		ctx := context.Background()

		_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
		require.NoError(t, err)

		time.Sleep(150 * time.Millisecond)

		_, err = s.KeepAlive(ctx, &core.KeepAliveRequest{ContextID: 1})
		require.Error(t, err)
		assert.Equal(t, codes.InvalidArgument, core.StatusCode(err))
		assert.Contains(t, err.Error(), "Unable to find a context_id matching the specified one")
	})

	t.Run("keep-alive before expiry prevents reaping", func(t *testing.T) {
		s := newTestService(t, func(o *Options) {
			o.Config.SweepInterval = 10 * time.Millisecond
			o.Config.DefaultKeepAlive = 100 * time.Millisecond
		})
		ctx := context.Background()

		_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
		require.NoError(t, err)

		for i := 0; i < 8; i++ {
			time.Sleep(30 * time.Millisecond)
			_, err = s.KeepAlive(ctx, &core.KeepAliveRequest{ContextID: 1})
			require.NoError(t, err, "keep-alive %d", i)
		}

		// Still usable well past the original lease.
		_, err = s.Enqueue(ctx, &core.EnqueueRequest{ContextID: 1, Items: []*core.QueueItem{constItem(1)}})
		assert.NoError(t, err)
	})

	t.Run("explicit lease from the request wins", func(t *testing.T) {
		s := newTestService(t, func(o *Options) {
			o.Config.SweepInterval = 10 * time.Millisecond
			o.Config.DefaultKeepAlive = 20 * time.Millisecond
		})
		ctx := context.Background()

		// One hour lease; the short default must not apply.
		_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1, KeepAliveSecs: 3600})
		require.NoError(t, err)

		time.Sleep(80 * time.Millisecond)
		_, err = s.KeepAlive(ctx, &core.KeepAliveRequest{ContextID: 1})
		assert.NoError(t, err)
	})
}

func TestServiceUnknownContext(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	check := func(t *testing.T, err error) {
		t.Helper()
		require.Error(t, err)
		assert.Equal(t, codes.InvalidArgument, core.StatusCode(err))
		assert.Contains(t, err.Error(), "(42)")
	}

	_, err := s.Enqueue(ctx, &core.EnqueueRequest{ContextID: 42, Items: []*core.QueueItem{constItem(1)}})
	check(t, err)

	_, err = s.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 42})
	check(t, err)

	_, err = s.KeepAlive(ctx, &core.KeepAliveRequest{ContextID: 42})
	check(t, err)

	_, err = s.CloseContext(ctx, &core.CloseContextRequest{ContextID: 42})
	check(t, err)

	_, err = s.UpdateContext(ctx, &core.UpdateContextRequest{ContextID: 42, ContextViewID: 1})
	check(t, err)

	_, err = s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 42, OpID: 1})
	check(t, err)

	assert.Equal(t, 0, s.Registry().Len(), "failed requests must leave no state behind")
}

func TestServiceCreateDuplicate(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)

	_, err = s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.Error(t, err)
	assert.Equal(t, codes.AlreadyExists, core.StatusCode(err))
	assert.Equal(t, 1, s.Registry().Len())
}

func TestServiceUpdateContext(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{
		ContextID: 1,
		ServerDef: &core.ServerDef{JobName: "worker", TaskIndex: 0},
	})
	require.NoError(t, err)

	// Seed state that must survive the update.
	_, err = s.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items: []*core.QueueItem{
			{RegisterFunction: &core.RegisterFunctionOp{Function: matMulFunctionDef()}},
			constItem(1),
		},
	})
	require.NoError(t, err)

	t.Run("non-sequential view id is rejected", func(t *testing.T) {
		_, err := s.UpdateContext(ctx, &core.UpdateContextRequest{ContextID: 1, ContextViewID: 5})
		assert.Equal(t, codes.InvalidArgument, core.StatusCode(err))
	})

	t.Run("sequential update preserves functions and tensors", func(t *testing.T) {
		newDef := &core.ServerDef{JobName: "worker", TaskIndex: 0, Cluster: map[string]string{
			"/job:worker/replica:0/task:1": "worker1:7000",
		}}
		resp, err := s.UpdateContext(ctx, &core.UpdateContextRequest{ContextID: 1, ServerDef: newDef, ContextViewID: 1})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.DeviceAttributes)

		ka, err := s.KeepAlive(ctx, &core.KeepAliveRequest{ContextID: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), ka.ContextViewID)

		// The registered function and published tensor are still there.
		enq, err := s.Enqueue(ctx, &core.EnqueueRequest{
			ContextID: 1,
			Items: []*core.QueueItem{
				{Operation: &core.Operation{
					ID:     2,
					Name:   "MatMulFunction",
					Inputs: []core.RemoteTensorRef{{OpID: 1, OutputIndex: 0}},
				}},
			},
		})
		require.NoError(t, err)
		require.NoError(t, enq.Responses[0].Err)

		resolved, err := s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 1, OpID: 2})
		require.NoError(t, err)
		assert.Equal(t, []float32{7, 10, 15, 22}, resolved.Tensor.Floats)
	})

	t.Run("stale close is a no-op after the update", func(t *testing.T) {
		_, err := s.CloseContext(ctx, &core.CloseContextRequest{ContextID: 1, ContextViewID: 0})
		require.NoError(t, err)
		assert.Equal(t, 1, s.Registry().Len(), "stale close must not tear down the new view")

		_, err = s.CloseContext(ctx, &core.CloseContextRequest{ContextID: 1, ContextViewID: 1})
		require.NoError(t, err)
		assert.Equal(t, 0, s.Registry().Len())
	})
}

func TestServiceWaitQueueDoneSubset(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: 1,
		Items: []*core.QueueItem{
			constItem(1),
			{Operation: &core.Operation{ID: 2, Name: "Bogus"}},
		},
	})
	require.NoError(t, err)

	_, err = s.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 1, OpIDs: []int64{1}})
	assert.NoError(t, err, "healthy subset must not report the sibling failure")

	_, err = s.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 1, OpIDs: []int64{2}})
	assert.Error(t, err)

	_, err = s.WaitQueueDone(ctx, &core.WaitQueueDoneRequest{ContextID: 1})
	assert.Error(t, err, "full drain reports the accumulated failure")
}

func TestServiceStop(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)
	_, err = s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 2})
	require.NoError(t, err)

	s.Stop()
	s.Stop() // idempotent

	assert.Equal(t, 0, s.Registry().Len())

	_, err = s.Enqueue(ctx, &core.EnqueueRequest{ContextID: 1, Items: []*core.QueueItem{constItem(1)}})
	assert.Error(t, err)
}

func TestServiceResolveTensorBlocksForProducer(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.CreateContext(ctx, &core.CreateContextRequest{ContextID: 1})
	require.NoError(t, err)

	done := make(chan *core.Tensor, 1)
	go func() {
		resp, err := s.ResolveTensor(ctx, &core.ResolveTensorRequest{ContextID: 1, OpID: 1})
		if err == nil {
			done <- resp.Tensor
		}
	}()

	time.Sleep(20 * time.Millisecond)

	_, err = s.Enqueue(ctx, &core.EnqueueRequest{ContextID: 1, Items: []*core.QueueItem{constItem(1)}})
	require.NoError(t, err)

	select {
	case tensor := <-done:
		assert.Equal(t, []float32{1, 2, 3, 4}, tensor.Floats)
	case <-time.After(time.Second):
		t.Fatal("resolve did not observe the later publish")
	}
}
