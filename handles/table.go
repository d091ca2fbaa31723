package handles

import (
	"context"
	"sync"

	"github.com/hupe1980/tensormesh/core"
)

type entryState int

const (
	statePending entryState = iota
	stateReady
	stateFailed
)

type entry struct {
	state  entryState
	tensor *core.Tensor
	device string
	err    error
	refs   int
	ready  chan struct{} // closed once state leaves pending
}

// Table tracks the outputs of operations enqueued on one context.
//
// Entries move pending -> ready or pending -> failed exactly once. Failed
// entries are retained until the table closes so that later consumers
// observe the producer's error instead of blocking forever. Ready entries
// are reference counted and removed when their count reaches zero.
type Table struct {
	mu       sync.Mutex
	entries  map[core.HandleKey]*entry
	closed   bool
	closeErr error
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{entries: make(map[core.HandleKey]*entry)}
}

func (t *Table) getOrCreateLocked(key core.HandleKey) *entry {
	e, ok := t.entries[key]
	if !ok {
		e = &entry{state: statePending, refs: 1, ready: make(chan struct{})}
		t.entries[key] = e
	}
	return e
}

// RegisterPending announces that a producer for key is in flight, so
// concurrent consumers block instead of failing with a missing handle.
func (t *Table) RegisterPending(key core.HandleKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.getOrCreateLocked(key)
}

// Publish records the produced tensor for key and wakes all waiters.
// Publishing a key that is already ready or failed returns the existing
// state's error semantics via ErrHandleExists.
func (t *Table) Publish(key core.HandleKey, tensor *core.Tensor, device string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.closeErr
	}
	e := t.getOrCreateLocked(key)
	if e.state != statePending {
		return core.ErrHandleExists(key.OpID, key.OutputIndex)
	}
	e.state = stateReady
	e.tensor = tensor
	e.device = device
	close(e.ready)
	return nil
}

// Fail poisons key with the producer's error and wakes all waiters. The
// marker stays in the table so later lookups fail fast.
func (t *Table) Fail(key core.HandleKey, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	e := t.getOrCreateLocked(key)
	if e.state != statePending {
		return
	}
	e.state = stateFailed
	e.err = err
	close(e.ready)
}

// Resolve returns the tensor for key without blocking. A pending or absent
// key yields ErrHandleNotFound; a poisoned key yields a DependencyError
// wrapping the producer's failure.
func (t *Table) Resolve(key core.HandleKey) (*core.Tensor, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok || e.state == statePending {
		return nil, "", core.ErrHandleNotFound(key.OpID, key.OutputIndex)
	}
	if e.state == stateFailed {
		return nil, "", core.NewDependencyError(core.RemoteTensorRef{OpID: key.OpID, OutputIndex: key.OutputIndex}, e.err)
	}
	return e.tensor, e.device, nil
}

// ResolveBlocking returns the tensor for key, waiting for an in-flight or
// future producer. It unblocks when the producer publishes or fails, when
// ctx is done, or when the table closes.
func (t *Table) ResolveBlocking(ctx context.Context, key core.HandleKey) (*core.Tensor, string, error) {
	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return nil, "", err
	}
	e := t.getOrCreateLocked(key)
	ready := e.ready
	t.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e.state == stateFailed {
		return nil, "", core.NewDependencyError(core.RemoteTensorRef{OpID: key.OpID, OutputIndex: key.OutputIndex}, e.err)
	}
	if e.state == stateReady {
		return e.tensor, e.device, nil
	}
	// Closed while waiting.
	return nil, "", t.closeErr
}

// Wait blocks until key is ready or failed, returning the failure if any.
// It is ResolveBlocking without caring about the value.
func (t *Table) Wait(ctx context.Context, key core.HandleKey) error {
	_, _, err := t.ResolveBlocking(ctx, key)
	return err
}

// AddRef bumps the reference count of a live entry.
func (t *Table) AddRef(key core.HandleKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return core.ErrHandleNotFound(key.OpID, key.OutputIndex)
	}
	e.refs++
	return nil
}

// DecRef drops one reference; at zero the entry is removed. Poisoned
// entries ignore decrefs and stay until Close. Decref of an unknown key is
// an error, matching the strictness of the lookup path.
func (t *Table) DecRef(key core.HandleKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return core.ErrHandleNotFound(key.OpID, key.OutputIndex)
	}
	if e.state == stateFailed {
		return nil
	}
	e.refs--
	if e.refs <= 0 {
		if e.state == statePending {
			// Producer still in flight; keep the entry so Publish has a home,
			// but mark it for removal once it lands.
			e.refs = 0
			return nil
		}
		delete(t.entries, key)
	}
	return nil
}

// Close fails every pending waiter with err and rejects future operations.
func (t *Table) Close(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeErr = err
	for _, e := range t.entries {
		if e.state == statePending {
			e.state = stateFailed
			e.err = err
			close(e.ready)
		}
	}
}

// Len reports the number of live entries, pending and poisoned included.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
