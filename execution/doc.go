// Package execution implements the per-client execution context.
//
// A Context owns everything one client session touches on a worker: the
// visible device set and cluster view, the registered function library, the
// handle table of produced tensors, the step rendezvous, and the scheduling
// of enqueued operations. Operations run asynchronously on bounded
// goroutines and are serialized by data dependency through the handle table,
// not by program order; a drain barrier retires out-of-order completions in
// dispatch order.
//
// Contexts are created and looked up through the registry package and driven
// by the service package's dispatcher.
package execution
