// Package registry tracks the live execution contexts of a worker.
//
// The registry's id-to-record map is the only globally locked structure in
// the system. Records are reference counted: lookups pin a context for the
// duration of a request, Close removes the id from the map immediately
// (new lookups fail) and defers resource release until the count drains to
// zero, checked under the same lock as the decrement.
package registry

import (
	"sync"
	"time"

	"github.com/hupe1980/tensormesh/core"
	"github.com/hupe1980/tensormesh/execution"
	"github.com/hupe1980/tensormesh/logging"
)

type record struct {
	ctx        *execution.Context
	refs       int
	tombstone  bool
	lastActive time.Time
	lease      time.Duration
}

// Options configures a Registry.
type Options struct {
	// Logger receives lifecycle debug output.
	Logger logging.Logger

	// Clock overrides time.Now, for lease tests.
	Clock func() time.Time
}

// Registry is the concurrency-safe map from context id to execution context.
type Registry struct {
	mu      sync.Mutex
	records map[uint64]*record
	logger  logging.Logger
	now     func() time.Time
}

// New creates an empty registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{
		Logger: logging.NoOpLogger{},
		Clock:  time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		records: make(map[uint64]*record),
		logger:  opts.Logger,
		now:     opts.Clock,
	}
}

// Create registers a context under id. A lease of zero means the context is
// never reaped for idleness.
func (r *Registry) Create(id uint64, ctx *execution.Context, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		return core.ErrContextExists(id)
	}
	r.records[id] = &record{
		ctx:        ctx,
		lastActive: r.now(),
		lease:      lease,
	}
	r.logger.Debug("context registered", "context_id", id, "lease", lease)
	return nil
}

// Lookup pins the context for the caller and refreshes its last-active
// time. The returned release func must be called exactly once; it may
// trigger deferred destruction when the context was closed mid-request.
func (r *Registry) Lookup(id uint64) (*execution.Context, func(), error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil, core.ErrUnknownContext(id)
	}
	rec.refs++
	rec.lastActive = r.now()
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			rec.refs--
			destroy := rec.tombstone && rec.refs == 0
			r.mu.Unlock()
			if destroy {
				_ = rec.ctx.Close()
			}
		})
	}
	return rec.ctx, release, nil
}

// Close removes id from the map immediately and tears the context down once
// the reference count drains.
func (r *Registry) Close(id uint64) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return core.ErrUnknownContext(id)
	}
	delete(r.records, id)
	rec.tombstone = true
	destroy := rec.refs == 0
	r.mu.Unlock()

	if destroy {
		_ = rec.ctx.Close()
	}
	r.logger.Debug("context closed", "context_id", id, "deferred", !destroy)
	return nil
}

// Expired returns the ids whose idle time exceeds their lease. Pinned
// records are never reported; a zero lease never expires.
func (r *Registry) Expired(now time.Time) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uint64
	for id, rec := range r.records {
		if rec.lease <= 0 || rec.refs > 0 {
			continue
		}
		if now.Sub(rec.lastActive) > rec.lease {
			ids = append(ids, id)
		}
	}
	return ids
}

// IDs returns every registered context id.
func (r *Registry) IDs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]uint64, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
