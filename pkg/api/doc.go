// Package api contains the core types shared by the synapse workflow engine:
// workflow definitions, run requests and results, the Handler interface
// implemented by block types, the typed error taxonomy and the Observer
// hooks used for logging, metrics and progress reporting.
//
// Most users interact with the higher-level synapse package, which re-exports
// selected types and constructors from this package. The api package is
// intended for custom handlers, alternative stores and contributors extending
// the engine itself.
//
// # Workflows
//
// A Definition is a directed graph of Blocks joined by Connections. Each
// Block has a Type that selects a Handler, a static Config map and ordered
// lists of input and output port names. A Connection routes one block's
// output port to another block's input port and makes the target depend on
// the source.
//
// The initial inputs of a run are exposed through the synthetic block
// InputBlockID. Connections may read from it like from any other block; it
// never appears in a result's Outputs.
//
// # Execution
//
// The engine turns a Definition into a Plan: an ordered list of Stages whose
// blocks only depend on blocks of earlier stages. Blocks within a stage run
// concurrently and the next stage starts only when the whole stage has
// finished. The first block failure stops the run once its stage drains.
//
// # Errors
//
// Failures are reported with typed errors (InvalidGraphError,
// CyclicGraphError, UnknownBlockTypeError, HandlerExecutionError,
// TimeoutError, CancelledError) and persisted as a RunError on the
// ExecutionResult. Use errors.As to inspect them.
//
// # Observability
//
// Observer receives run, stage and block lifecycle callbacks. LoggingObserver
// and BasicMetrics are ready-made implementations; NewCompositeObserver
// combines several.
package api
