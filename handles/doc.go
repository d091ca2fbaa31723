// Package handles implements the per-context table of produced tensors.
//
// Every operation output is addressed by an (op id, output index) key. The
// table supports non-blocking lookup (Resolve), blocking lookup that waits
// for a producer still in flight (ResolveBlocking), failure poisoning so
// dependents of a failed operation fail fast instead of hanging, and
// reference-counted release driven by the client's handle_to_decref items.
package handles
