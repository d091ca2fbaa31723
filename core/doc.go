// Package core defines the fundamental types and interfaces for TensorMesh.
//
// It contains the tensor value model, operation and function definitions, the
// request/response messages exchanged with a worker service, the shared error
// taxonomy and the small interfaces (Executor, FunctionLibrary, Peers) that
// the execution layer is built against. Higher level packages (execution, service,
// cluster) depend on core; core depends on nothing above the standard library
// and the gRPC status codes used for the wire-compatible error model.
package core
