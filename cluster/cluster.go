// Package cluster bridges a worker to its peers.
//
// It defines the Client surface a remote worker exposes, a cache resolving
// device names to clients, a loopback client for single-process clusters and
// tests, the Peers adapter the execution layer uses to fetch cross-task
// tensors and forward operations, and a function runtime that drives a
// registered function on the worker owning a target device. Bridge calls are
// ordinary dispatcher requests; a function invocation crossing workers is
// indistinguishable from any other client request on the receiving side.
package cluster

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hupe1980/tensormesh/core"
)

// Client is the remote surface of a peer worker.
type Client interface {
	CreateContext(ctx context.Context, req *core.CreateContextRequest) (*core.CreateContextResponse, error)
	UpdateContext(ctx context.Context, req *core.UpdateContextRequest) (*core.UpdateContextResponse, error)
	Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.EnqueueResponse, error)
	WaitQueueDone(ctx context.Context, req *core.WaitQueueDoneRequest) (*core.WaitQueueDoneResponse, error)
	KeepAlive(ctx context.Context, req *core.KeepAliveRequest) (*core.KeepAliveResponse, error)
	CloseContext(ctx context.Context, req *core.CloseContextRequest) (*core.CloseContextResponse, error)
	ResolveTensor(ctx context.Context, req *core.ResolveTensorRequest) (*core.ResolveTensorResponse, error)

	// EnqueueAsync dispatches an enqueue without blocking the caller; done
	// runs exactly once with the outcome.
	EnqueueAsync(ctx context.Context, req *core.EnqueueRequest, done func(*core.EnqueueResponse, error))
}

// ClientCache resolves the client for the task owning a device.
type ClientCache interface {
	ClientFor(device string) (Client, error)
}

// StaticCache is a fixed task-to-client map. The zero value is unusable;
// construct with NewStaticCache.
type StaticCache struct {
	clients map[string]Client
}

// NewStaticCache builds a cache from task prefixes
// (e.g. "/job:worker/replica:0/task:1") to clients.
func NewStaticCache(clients map[string]Client) *StaticCache {
	m := make(map[string]Client, len(clients))
	for task, c := range clients {
		m[task] = c
	}
	return &StaticCache{clients: m}
}

// Add registers a client for a task prefix, replacing any previous one.
func (c *StaticCache) Add(task string, client Client) {
	c.clients[task] = client
}

// ClientFor implements ClientCache.
func (c *StaticCache) ClientFor(device string) (Client, error) {
	task := core.TaskOfDevice(device)
	client, ok := c.clients[task]
	if !ok {
		return nil, status.Errorf(codes.Unavailable, "no client for task %q (device %q)", task, device)
	}
	return client, nil
}

// singleCache hands out one client for every device.
type singleCache struct {
	client Client
}

// NewSingleCache returns a cache that resolves every device to the same
// client, for single-peer setups and tests.
func NewSingleCache(client Client) ClientCache {
	return &singleCache{client: client}
}

// ClientFor implements ClientCache.
func (c *singleCache) ClientFor(string) (Client, error) { return c.client, nil }
