package cluster

import (
	"context"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/service"
)

// Loopback is a Client backed by an in-process Service, bypassing any
// transport. It serves single-process clusters, tests and master
// self-addressing.
type Loopback struct {
	svc *service.Service
}

// NewLoopback wraps a service in the client interface.
func NewLoopback(svc *service.Service) *Loopback {
	return &Loopback{svc: svc}
}

// CreateContext implements Client.
func (l *Loopback) CreateContext(ctx context.Context, req *core.CreateContextRequest) (*core.CreateContextResponse, error) {
	return l.svc.CreateContext(ctx, req)
}

// UpdateContext implements Client.
func (l *Loopback) UpdateContext(ctx context.Context, req *core.UpdateContextRequest) (*core.UpdateContextResponse, error) {
	return l.svc.UpdateContext(ctx, req)
}

// Enqueue implements Client.
func (l *Loopback) Enqueue(ctx context.Context, req *core.EnqueueRequest) (*core.EnqueueResponse, error) {
	return l.svc.Enqueue(ctx, req)
}

// WaitQueueDone implements Client.
func (l *Loopback) WaitQueueDone(ctx context.Context, req *core.WaitQueueDoneRequest) (*core.WaitQueueDoneResponse, error) {
	return l.svc.WaitQueueDone(ctx, req)
}

// KeepAlive implements Client.
func (l *Loopback) KeepAlive(ctx context.Context, req *core.KeepAliveRequest) (*core.KeepAliveResponse, error) {
	return l.svc.KeepAlive(ctx, req)
}

// CloseContext implements Client.
func (l *Loopback) CloseContext(ctx context.Context, req *core.CloseContextRequest) (*core.CloseContextResponse, error) {
	return l.svc.CloseContext(ctx, req)
}

// ResolveTensor implements Client.
func (l *Loopback) ResolveTensor(ctx context.Context, req *core.ResolveTensorRequest) (*core.ResolveTensorResponse, error) {
	return l.svc.ResolveTensor(ctx, req)
}

// EnqueueAsync implements Client. The callback runs on a fresh goroutine.
func (l *Loopback) EnqueueAsync(ctx context.Context, req *core.EnqueueRequest, done func(*core.EnqueueResponse, error)) {
	go func() {
		resp, err := l.svc.Enqueue(ctx, req)
		done(resp, err)
	}()
}
