package execution

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/eapache/queue"

	"github.com/hupe1980/tensormesh/core"
)

// pendingItem tracks one dispatched operation from enqueue to retirement.
type pendingItem struct {
	opID int64
	done bool
	err  error
}

// pendingQueue retires out-of-order completions in dispatch order. Items are
// appended when an operation is dispatched; completion marks them done and
// pops the longest fully-done prefix, so the queue length counts work that
// has not yet retired. Completed items stay reachable by op id so late
// waiters observe their outcome. eapache/queue is not goroutine safe, so all
// access happens under mu.
type pendingQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	fifo     *queue.Queue
	byOp     map[int64]*pendingItem
	failures map[int64]error
	closed   bool
	closeErr error
}

func newPendingQueue() *pendingQueue {
	p := &pendingQueue{
		fifo:     queue.New(),
		byOp:     make(map[int64]*pendingItem),
		failures: make(map[int64]error),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// add appends a new in-flight item in dispatch order.
func (p *pendingQueue) add(opID int64) *pendingItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	it := &pendingItem{opID: opID}
	p.fifo.Add(it)
	if opID != 0 {
		p.byOp[opID] = it
	}
	return it
}

// retire marks an item complete and pops every leading completed item.
func (p *pendingQueue) retire(it *pendingItem, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it.done = true
	it.err = err
	if err != nil && it.opID != 0 {
		p.failures[it.opID] = err
	}
	for p.fifo.Length() > 0 {
		head := p.fifo.Peek().(*pendingItem)
		if !head.done {
			break
		}
		p.fifo.Remove()
	}
	p.cond.Broadcast()
}

// waitAll blocks until every dispatched item has retired, then reports the
// context's accumulated operation failures.
func (p *pendingQueue) waitAll(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for p.fifo.Length() > 0 && !p.closed && ctx.Err() == nil {
		p.cond.Wait()
	}
	if p.closed {
		return p.closeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.joinFailuresLocked(nil)
}

// waitOps blocks until every named op has retired, then reports the failures
// of exactly that set. Unknown op ids fail immediately.
func (p *pendingQueue) waitOps(ctx context.Context, opIDs []int64) error {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	items := make([]*pendingItem, len(opIDs))
	for i, id := range opIDs {
		it, ok := p.byOp[id]
		if !ok {
			return core.ErrUnknownOpID(id)
		}
		items[i] = it
	}

	for ctx.Err() == nil && !p.closed {
		allDone := true
		for _, it := range items {
			if !it.done {
				allDone = false
				break
			}
		}
		if allDone {
			return p.joinFailuresLocked(opIDs)
		}
		p.cond.Wait()
	}
	if p.closed {
		return p.closeErr
	}
	return ctx.Err()
}

// joinFailuresLocked joins failures in ascending op id order, restricted to
// the given subset when non-nil.
func (p *pendingQueue) joinFailuresLocked(subset []int64) error {
	var ids []int64
	if subset != nil {
		ids = append(ids, subset...)
	} else {
		for id := range p.failures {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var errs []error
	for _, id := range ids {
		if err, ok := p.failures[id]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// close fails all current and future waiters with err. Retirement of
// in-flight items keeps working so their goroutines can drain.
func (p *pendingQueue) close(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeErr = err
	p.cond.Broadcast()
}
