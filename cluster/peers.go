package cluster

import (
	"context"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/logging"
)

// PeersOptions configures a Peers adapter.
type PeersOptions struct {
	// Logger receives per-round-trip debug output.
	Logger logging.Logger
}

// Peers adapts a ClientCache to the core.Peers interface consumed by the
// execution layer. Workers holding the same context id reach each other's
// tables and queues through it.
type Peers struct {
	cache  ClientCache
	logger logging.Logger
}

// NewPeers creates the adapter.
func NewPeers(cache ClientCache, optFns ...func(o *PeersOptions)) *Peers {
	opts := PeersOptions{
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Peers{cache: cache, logger: opts.Logger}
}

// Fetch implements core.Peers by resolving the tensor on the task owning
// ref.Device.
func (p *Peers) Fetch(ctx context.Context, contextID uint64, ref core.RemoteTensorRef) (*core.Tensor, error) {
	client, err := p.cache.ClientFor(ref.Device)
	if err != nil {
		return nil, err
	}

	resp, err := client.ResolveTensor(ctx, &core.ResolveTensorRequest{
		ContextID:   contextID,
		OpID:        ref.OpID,
		OutputIndex: ref.OutputIndex,
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debug("fetched remote tensor", "context_id", contextID, "op_id", ref.OpID, "output", ref.OutputIndex, "device", ref.Device)
	return resp.Tensor, nil
}

// Forward implements core.Peers by enqueueing the operation on the task
// owning op.Device and relaying the reported shapes.
func (p *Peers) Forward(ctx context.Context, contextID uint64, op *core.Operation) ([][]int64, error) {
	client, err := p.cache.ClientFor(op.Device)
	if err != nil {
		return nil, err
	}

	resp, err := client.Enqueue(ctx, &core.EnqueueRequest{
		ContextID: contextID,
		Items:     []*core.QueueItem{{Operation: op}},
	})
	if err != nil {
		return nil, err
	}
	if r := resp.Responses[0]; r.Err != nil {
		return nil, r.Err
	}

	p.logger.Debug("forwarded operation", "context_id", contextID, "op", op.Name, "op_id", op.ID, "device", op.Device)
	return resp.Responses[0].Shapes, nil
}
