package core

import (
	"context"
	"sync"
)

// rendezvousKey addresses one tensor exchange inside a step.
type rendezvousKey struct {
	StepID int64
	Name   string
}

type rendezvousEntry struct {
	tensor *Tensor
	ready  chan struct{}
}

// Rendezvous is a step-scoped mailbox for tensors exchanged between the
// pieces of a multi-device function. Send publishes under (step, name); Recv
// blocks until a matching Send or context cancellation. CleanupStep drops
// every entry of a finished step; Abort fails all current and future
// receivers at context teardown.
type Rendezvous struct {
	mu       sync.Mutex
	entries  map[rendezvousKey]*rendezvousEntry
	abortErr error
}

// NewRendezvous creates an empty rendezvous.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{entries: make(map[rendezvousKey]*rendezvousEntry)}
}

func (r *Rendezvous) entry(key rendezvousKey) *rendezvousEntry {
	e, ok := r.entries[key]
	if !ok {
		e = &rendezvousEntry{ready: make(chan struct{})}
		r.entries[key] = e
	}
	return e
}

// Send publishes a tensor under (stepID, name). Sending twice under the same
// key overwrites the value before any pending Recv observes it. Sends after
// Abort are dropped.
func (r *Rendezvous) Send(stepID int64, name string, t *Tensor) {
	r.mu.Lock()
	if r.abortErr != nil {
		r.mu.Unlock()
		return
	}
	e := r.entry(rendezvousKey{StepID: stepID, Name: name})
	e.tensor = t
	select {
	case <-e.ready:
	default:
		close(e.ready)
	}
	r.mu.Unlock()
}

// Recv blocks until a tensor is available under (stepID, name), ctx is done,
// or the rendezvous is aborted.
func (r *Rendezvous) Recv(ctx context.Context, stepID int64, name string) (*Tensor, error) {
	r.mu.Lock()
	if r.abortErr != nil {
		err := r.abortErr
		r.mu.Unlock()
		return nil, err
	}
	e := r.entry(rendezvousKey{StepID: stepID, Name: name})
	r.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e.tensor == nil && r.abortErr != nil {
		return nil, r.abortErr
	}
	return e.tensor, nil
}

// Abort wakes every blocked receiver with err and makes future sends and
// receives fail fast. Used at context teardown.
func (r *Rendezvous) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.abortErr != nil {
		return
	}
	r.abortErr = err
	for _, e := range r.entries {
		select {
		case <-e.ready:
		default:
			close(e.ready)
		}
	}
}

// CleanupStep removes all entries belonging to a step. Pending receivers for
// the step keep blocking on their old entries until their contexts expire.
func (r *Rendezvous) CleanupStep(stepID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k := range r.entries {
		if k.StepID == stepID {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of live entries, across all steps.
func (r *Rendezvous) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
