// Package synapse is an embeddable engine for executing workflow graphs.
//
// A workflow is a directed acyclic graph of blocks. Each block has a type
// that selects a Handler, a static config and named input and output ports.
// Connections route a block's output port to another block's input port.
// The special block "__input__" exposes the inputs of a run as output ports.
//
// # Execution
//
// The engine resolves a definition into stages: every block whose
// dependencies are satisfied runs in the same stage, concurrently, and a
// stage starts only when the previous one has fully drained. A block error
// fails the run after its stage drains; outputs of that stage are
// discarded. Runs can be cancelled between stages and bounded by a
// timeout. Progress is the percentage of completed stages.
//
// # Engine
//
// Engines persist definitions, results and run history. Backends:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Each backend has a matching task queue so runs can be submitted
// asynchronously and executed by workers, see package pkg/worker.
//
// # WorkflowBuilder
//
// WorkflowBuilder defines graphs in code:
//
//	synapse.NewWorkflow("notes").
//	    Block("sum", "ai/summarize", nil).
//	    Block("show", "display/text", nil).
//	    Connect("__input__.text", "sum.text").
//	    Connect("sum.summary", "show.text").
//	    MustRegister(ctx, engine)
//
// Definitions can also be kept as HCL files and served by the worker
// binary, see cmd/synapse-worker.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue and worker for
// development and tests. NewSQLiteBundle does the same on a single SQLite
// database and survives restarts.
package synapse
